package main

import (
	"testing"

	"carsync/internal/config"
)

func TestInitMetrics_NoneAndUnknownAreNops(t *testing.T) {
	for _, backend := range []string{"", "none", "statsd"} {
		shutdown := initMetrics(config.Metrics{Backend: backend})
		if shutdown == nil {
			t.Fatalf("backend %q: shutdown hook must not be nil", backend)
		}
		shutdown()
	}
}
