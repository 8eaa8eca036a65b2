//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const scanTimeout = 5 * time.Second

// MDNSDiscoverer uses multicast DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

func NewMDNSDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Advertise registers the gateway until ctx is cancelled.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, a Announcement) error {
	server, err := zeroconf.Register(a.Instance, ServiceType, Domain, a.Port, TXTRecords(a), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.logger.Info("mdns advertising gateway", "instance", a.Instance, "port", a.Port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for gateways until the scan window closes or ctx is done.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
		wg    sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			p := entryToPeer(entry)
			mu.Lock()
			peers = append(peers, p)
			mu.Unlock()
			d.logger.Debug("mdns found mesh", "instance", p.Instance, "address", p.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Peer(nil), peers...), nil
}

func entryToPeer(entry *zeroconf.ServiceEntry) Peer {
	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}
	return PeerFromRecord(entry.ServiceRecord.Instance, ip, entry.Port, entry.Text)
}
