// Package chain reads on-chain figures the agents price routes with.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
)

// gasSource is the part of ethclient the oracle uses.
type gasSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// RPCOracle reads the suggested gas price from an EVM JSON-RPC endpoint and
// caches it for a short time.
type RPCOracle struct {
	name   string
	client gasSource
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cached  float64
	fetched time.Time
}

// Dial connects to rpcURL. name labels the chain in logs.
func Dial(ctx context.Context, name, rpcURL string, ttl time.Duration, logger *slog.Logger) (*RPCOracle, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("chain: rpc url is empty")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", name, err)
	}
	return newRPCOracle(name, client, ttl, logger), nil
}

func newRPCOracle(name string, client gasSource, ttl time.Duration, logger *slog.Logger) *RPCOracle {
	return &RPCOracle{name: name, client: client, ttl: ttl, logger: logger}
}

// GasPriceGwei returns the suggested gas price in gwei.
func (o *RPCOracle) GasPriceGwei(ctx context.Context) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ttl > 0 && !o.fetched.IsZero() && time.Since(o.fetched) < o.ttl {
		return o.cached, nil
	}
	wei, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: %s gas price: %w", o.name, err)
	}
	o.cached = weiToGwei(wei)
	o.fetched = time.Now()
	o.logger.Debug("gas price refreshed", "chain", o.name, "gwei", o.cached)
	return o.cached, nil
}

// ChainID returns the chain id reported by the endpoint.
func (o *RPCOracle) ChainID(ctx context.Context) (uint64, error) {
	id, err := o.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: %s chain id: %w", o.name, err)
	}
	return id.Uint64(), nil
}

// Close releases the RPC connection.
func (o *RPCOracle) Close() {
	o.client.Close()
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(params.GWei))
	gwei, _ := f.Float64()
	return gwei
}

// StaticOracle reports a fixed gas price. It stands in when no RPC endpoint
// is configured.
type StaticOracle float64

func (s StaticOracle) GasPriceGwei(context.Context) (float64, error) { return float64(s), nil }
