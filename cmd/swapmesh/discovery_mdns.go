//go:build mdns

package main

import (
	"log/slog"

	"swapmesh/internal/adapter/discovery"
)

func buildDiscoverer(logger *slog.Logger) discovery.Discoverer {
	return discovery.NewMDNSDiscoverer(logger)
}
