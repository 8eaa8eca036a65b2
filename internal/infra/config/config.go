package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Env vars read by Load.
const (
	EnvConfigKey = "SWAPMESH_CONFIG_KEY"
	envPrefix    = "SWAPMESH_"
	encPrefix    = "enc:"
)

// Config is the top-level application configuration.
type Config struct {
	Includes    []string          `yaml:"includes,omitempty"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Agents      AgentsConfig      `yaml:"agents"`
	Market      MarketConfig      `yaml:"market"`
	Routes      []RouteConfig     `yaml:"routes"`
	Chain       ChainConfig       `yaml:"chain"`
	Security    SecurityConfig    `yaml:"security"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Notify      NotifyConfig      `yaml:"notify"`
	MCP         MCPConfig         `yaml:"mcp"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// CoordinatorConfig holds routing, fallback and supervision settings.
type CoordinatorConfig struct {
	MaxAgents           int           `yaml:"max_agents"`
	MaxFallbackHops     int           `yaml:"max_fallback_hops"`
	MaxRetries          int           `yaml:"max_retries"`
	Backoff             time.Duration `yaml:"backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	LoadBalancing       bool          `yaml:"load_balancing"`
	MaxTasksPerAgent    int           `yaml:"max_tasks_per_agent"`
	HealthThreshold     float64       `yaml:"health_threshold"`
	MaxBroadcastTargets int           `yaml:"max_broadcast_targets"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	TelemetryInterval   time.Duration `yaml:"telemetry_interval"`
	RestartThreshold    int           `yaml:"restart_threshold"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
}

// ConsensusConfig holds the quorum policy.
type ConsensusConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	QuorumRatio   float64       `yaml:"quorum_ratio"`
	AllowDegraded bool          `yaml:"allow_degraded"`
	DemoMode      bool          `yaml:"demo_mode"`
}

// AgentsConfig holds the shared agent runtime and the instances to start.
type AgentsConfig struct {
	Runtime   AgentRuntimeConfig    `yaml:"runtime"`
	Instances []AgentInstanceConfig `yaml:"instances"`
}

// AgentRuntimeConfig is applied to every agent instance.
type AgentRuntimeConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryInitialDelay  time.Duration `yaml:"retry_initial_delay"`
	RetryBackoffFactor float64       `yaml:"retry_backoff_factor"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerResetTime   time.Duration `yaml:"breaker_reset_time"`
	QueueSize          int           `yaml:"queue_size"`
	RateLimit          float64       `yaml:"rate_limit"`
	RateBurst          int           `yaml:"rate_burst"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// AgentInstanceConfig defines a single agent instance.
type AgentInstanceConfig struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Priority     int      `yaml:"priority"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Backup       bool     `yaml:"backup,omitempty"`
	Networks     []string `yaml:"networks,omitempty"`
	Protocols    []string `yaml:"protocols,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`
}

// MarketConfig configures the market intelligence feed.
type MarketConfig struct {
	Tokens         []string           `yaml:"tokens"`
	Prices         map[string]float64 `yaml:"prices"`
	Volatility     map[string]float64 `yaml:"volatility"`
	Liquidity      map[string]float64 `yaml:"liquidity"`
	FeedRate       float64            `yaml:"feed_rate"`
	FeedBurst      int                `yaml:"feed_burst"`
	SnapshotMaxAge time.Duration      `yaml:"snapshot_max_age"`
	// RefreshSchedule is a cron expression; empty disables periodic refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// RouteConfig is a statically configured candidate route.
type RouteConfig struct {
	ID            string        `yaml:"id"`
	FromChain     string        `yaml:"from_chain"`
	ToChain       string        `yaml:"to_chain"`
	FromToken     string        `yaml:"from_token"`
	ToToken       string        `yaml:"to_token"`
	AmountIn      float64       `yaml:"amount_in"`
	ExpectedOut   float64       `yaml:"expected_out"`
	Protocols     []string      `yaml:"protocols,omitempty"`
	Bridges       []string      `yaml:"bridges,omitempty"`
	Hops          int           `yaml:"hops"`
	GasUnits      uint64        `yaml:"gas_units"`
	FeeUSD        float64       `yaml:"fee_usd"`
	EstimatedTime time.Duration `yaml:"estimated_time"`
	PriceImpact   float64       `yaml:"price_impact"`
	Slippage      float64       `yaml:"slippage"`
	Liquidity     float64       `yaml:"liquidity_usd"`
}

// ChainConfig configures the gas oracle. An empty RPCURL uses StaticGasGwei.
type ChainConfig struct {
	Name          string        `yaml:"name"`
	RPCURL        string        `yaml:"rpc_url"` // supports enc:
	GasCacheTTL   time.Duration `yaml:"gas_cache_ttl"`
	StaticGasGwei float64       `yaml:"static_gas_gwei"`
	NativeUSD     float64       `yaml:"native_usd"`
}

// SecurityConfig holds threat rules and the alert policy.
type SecurityConfig struct {
	BlockedBridges   []string      `yaml:"blocked_bridges"`
	BlockedProtocols []string      `yaml:"blocked_protocols"`
	MaxPriceImpact   float64       `yaml:"max_price_impact"`
	AlertWindow      time.Duration `yaml:"alert_window"`
	AlertThreshold   int           `yaml:"alert_threshold"`
}

// GatewayConfig holds the ops HTTP server settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// Token guards the mutating and streaming endpoints. Supports enc:.
	Token string `yaml:"token"`
	// RateLimitPerMin caps HTTP requests per client IP. 0 disables limiting.
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	RateBurst       int      `yaml:"rate_burst"`
	TrustedProxies  []string `yaml:"trusted_proxies"`
	// Advertise announces the gateway over mDNS (binaries built with -tags mdns).
	Advertise bool `yaml:"advertise"`
}

// NotifyConfig holds alert notification sinks.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack notifier settings.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"` // supports enc:
	Channel string `yaml:"channel"`
	// MinSeverity drops alerts below this level. Empty posts everything.
	MinSeverity string `yaml:"min_severity"`
}

// DiscordConfig holds Discord notifier settings.
type DiscordConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"` // bot token, supports enc:
	ChannelID   string `yaml:"channel_id"`
	MinSeverity string `yaml:"min_severity"`
}

// MCPConfig holds the MCP stdio server settings.
type MCPConfig struct {
	Name string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Defaults returns a Config with sensible defaults: the six specialist
// agents, a static gas price and the ops gateway on localhost.
func Defaults() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			MaxAgents:           50,
			MaxFallbackHops:     3,
			MaxRetries:          3,
			Backoff:             time.Second,
			MaxBackoff:          10 * time.Second,
			LoadBalancing:       true,
			MaxTasksPerAgent:    10,
			HealthThreshold:     0.8,
			MaxBroadcastTargets: 5,
			HealthCheckInterval: 30 * time.Second,
			TelemetryInterval:   60 * time.Second,
			RestartThreshold:    3,
			RestartDelay:        time.Second,
			StopTimeout:         10 * time.Second,
		},
		Consensus: ConsensusConfig{
			Timeout:     30 * time.Second,
			QuorumRatio: 0.6,
		},
		Agents: AgentsConfig{
			Runtime: AgentRuntimeConfig{
				MaxConcurrentTasks: 5,
				Timeout:            30 * time.Second,
				MaxRetries:         3,
				RetryInitialDelay:  time.Second,
				RetryBackoffFactor: 2,
				RetryMaxDelay:      30 * time.Second,
				BreakerMaxFailures: 5,
				BreakerResetTime:   60 * time.Second,
				QueueSize:          1000,
				RequestTimeout:     30 * time.Second,
			},
			Instances: []AgentInstanceConfig{
				{ID: "market", Type: "market_intelligence", Priority: 10},
				{ID: "risk", Type: "risk_assessment", Priority: 8, Dependencies: []string{"market"}},
				{ID: "security", Type: "security", Priority: 8},
				{ID: "routes", Type: "route_discovery", Priority: 5, Dependencies: []string{"market", "risk"}},
				{ID: "execution", Type: "execution_strategy", Priority: 3, Dependencies: []string{"routes"}},
				{ID: "performance", Type: "performance_monitor"},
			},
		},
		Market: MarketConfig{
			Tokens:         []string{"ETH", "USDC"},
			Prices:         map[string]float64{"ETH": 3000, "USDC": 1},
			Volatility:     map[string]float64{"ETH": 0.05, "USDC": 0.001},
			FeedRate:       1,
			FeedBurst:      1,
			SnapshotMaxAge: 15 * time.Second,
		},
		Chain: ChainConfig{
			Name:          "ethereum",
			GasCacheTTL:   12 * time.Second,
			StaticGasGwei: 20,
			NativeUSD:     3000,
		},
		Security: SecurityConfig{
			MaxPriceImpact: 5,
			AlertWindow:    5 * time.Minute,
			AlertThreshold: 3,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:8650",
			RateLimitPerMin: 120,
			RateBurst:       30,
		},
		MCP: MCPConfig{
			Name: "swapmesh",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "swapmesh",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return finish(cfg)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := processIncludes(cfg, filepath.Dir(absPath), map[string]bool{absPath: true}, 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SWAPMESH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	envString("LOG_LEVEL", &cfg.Logger.Level)
	envString("LOG_FORMAT", &cfg.Logger.Format)
	envString("LOG_OUTPUT", &cfg.Logger.Output)
	envBool("TRACER_ENABLED", &cfg.Tracer.Enabled)
	envString("TRACER_EXPORTER", &cfg.Tracer.Exporter)
	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)

	envString("CHAIN_RPC_URL", &cfg.Chain.RPCURL)
	envFloat("CHAIN_NATIVE_USD", &cfg.Chain.NativeUSD)

	envBool("CONSENSUS_DEMO_MODE", &cfg.Consensus.DemoMode)
	envBool("CONSENSUS_ALLOW_DEGRADED", &cfg.Consensus.AllowDegraded)
	envDuration("CONSENSUS_TIMEOUT", &cfg.Consensus.Timeout)

	envBool("GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	envString("GATEWAY_ADDR", &cfg.Gateway.Addr)
	envString("GATEWAY_TOKEN", &cfg.Gateway.Token)
	envInt("GATEWAY_RATE_LIMIT_PER_MIN", &cfg.Gateway.RateLimitPerMin)
	envBool("GATEWAY_ADVERTISE", &cfg.Gateway.Advertise)

	envBool("SLACK_ENABLED", &cfg.Notify.Slack.Enabled)
	envString("SLACK_TOKEN", &cfg.Notify.Slack.Token)
	envString("SLACK_CHANNEL", &cfg.Notify.Slack.Channel)

	envBool("DISCORD_ENABLED", &cfg.Notify.Discord.Enabled)
	envString("DISCORD_TOKEN", &cfg.Notify.Discord.Token)
	envString("DISCORD_CHANNEL_ID", &cfg.Notify.Discord.ChannelID)
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"chain.rpc_url", &cfg.Chain.RPCURL},
		{"gateway.token", &cfg.Gateway.Token},
		{"notify.slack.token", &cfg.Notify.Slack.Token},
		{"notify.discord.token", &cfg.Notify.Discord.Token},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*s.field, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) ":" hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
