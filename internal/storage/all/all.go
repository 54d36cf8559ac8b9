// Package all registers every storage backend. Import it for side effects
// from binaries that select the backend at runtime.
package all

import (
	_ "carsync/internal/storage/mssql"
	_ "carsync/internal/storage/postgres"
	_ "carsync/internal/storage/sqlite"
)
