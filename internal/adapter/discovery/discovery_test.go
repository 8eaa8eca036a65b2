package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRecordsRoundTrip(t *testing.T) {
	a := Announcement{Instance: "mesh", Port: 8650, Version: "0.4.0", Agents: 6, TokenRequired: true}
	txt := TXTRecords(a)
	assert.Equal(t, []string{"agents=6", "auth=true", "version=0.4.0"}, txt)

	p := PeerFromRecord("mesh", net.IPv4(10, 0, 0, 7), 8650, txt)
	assert.Equal(t, "10.0.0.7:8650", p.Address)
	assert.Equal(t, 6, p.Agents)
	assert.True(t, p.TokenRequired)
	assert.Equal(t, "0.4.0", p.Version)
}

func TestParseTXT(t *testing.T) {
	m := ParseTXT([]string{"a=1", "b=x=y", "junk", "c="})
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, m)
}

func TestPeerFromRecordWithoutAddress(t *testing.T) {
	p := PeerFromRecord("mesh", nil, 8650, []string{"agents=nope"})
	assert.Empty(t, p.Address)
	assert.Zero(t, p.Agents)
	assert.False(t, p.TokenRequired)
}

func TestPortOf(t *testing.T) {
	port, err := PortOf("127.0.0.1:8650")
	require.NoError(t, err)
	assert.Equal(t, 8650, port)

	port, err = PortOf("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = PortOf("localhost")
	assert.Error(t, err)
	_, err = PortOf("127.0.0.1:0")
	assert.Error(t, err)
}

func TestNoopDiscoverer(t *testing.T) {
	var d Discoverer = NoopDiscoverer{}
	peers, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Advertise(ctx, Announcement{Instance: "mesh", Port: 1}) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Advertise did not return after cancel")
	}
}
