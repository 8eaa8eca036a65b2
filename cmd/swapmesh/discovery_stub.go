//go:build !mdns

package main

import (
	"log/slog"

	"swapmesh/internal/adapter/discovery"
)

func buildDiscoverer(_ *slog.Logger) discovery.Discoverer {
	return discovery.NoopDiscoverer{}
}
