// Package discovery announces a running mesh's ops gateway on the local
// network and finds other meshes doing the same.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const (
	ServiceType = "_swapmesh._tcp"
	Domain      = "local."
)

// Announcement describes the gateway this process advertises.
type Announcement struct {
	Instance      string
	Port          int
	Version       string
	Agents        int
	TokenRequired bool
}

// Peer is a mesh found on the network.
type Peer struct {
	Instance      string            `json:"instance"`
	Address       string            `json:"address"`
	Version       string            `json:"version,omitempty"`
	Agents        int               `json:"agents"`
	TokenRequired bool              `json:"token_required"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Discoverer advertises and browses swapmesh gateways.
type Discoverer interface {
	// Advertise blocks until ctx is cancelled.
	Advertise(ctx context.Context, a Announcement) error
	Scan(ctx context.Context) ([]Peer, error)
}

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct{}

func (NoopDiscoverer) Advertise(ctx context.Context, _ Announcement) error {
	<-ctx.Done()
	return nil
}

func (NoopDiscoverer) Scan(context.Context) ([]Peer, error) { return nil, nil }

// TXTRecords encodes a as DNS-SD key=value pairs in a stable order.
func TXTRecords(a Announcement) []string {
	m := map[string]string{
		"version": a.Version,
		"agents":  strconv.Itoa(a.Agents),
		"auth":    strconv.FormatBool(a.TokenRequired),
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+m[k])
	}
	return txt
}

// ParseTXT splits key=value records. Records without "=" are dropped.
func ParseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

// PeerFromRecord builds a Peer from a resolved instance.
func PeerFromRecord(instance string, ip net.IP, port int, txt []string) Peer {
	meta := ParseTXT(txt)
	agents, _ := strconv.Atoi(meta["agents"])
	auth, _ := strconv.ParseBool(meta["auth"])
	p := Peer{
		Instance:      instance,
		Version:       meta["version"],
		Agents:        agents,
		TokenRequired: auth,
		Metadata:      meta,
	}
	if ip != nil {
		p.Address = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	return p
}

// PortOf extracts the numeric port from a host:port address.
func PortOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}
