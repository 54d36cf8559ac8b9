package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
)

// IsConnLost reports whether err indicates the database connection itself is
// unusable, as opposed to a statement-level failure. Callers use this to
// abort a run instead of recording the same failure for every remaining row.
func IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
