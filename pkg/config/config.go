package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// EnvPrefix is prepended to the uppercased option name for environment
// overrides. Environment wins over the file.
const EnvPrefix = "ANTEGEN_"

// SubmissionMode selects the transaction delivery path.
type SubmissionMode string

const (
	ModeRPCOnly            SubmissionMode = "rpc-only"
	ModeDirectOnly         SubmissionMode = "direct-only"
	ModeDirectWithFallback SubmissionMode = "direct-with-fallback"
)

// RetryConfig holds the queue's retry policy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelayMS    int64   `yaml:"initial_delay_ms"`
	MaxDelayMS        int64   `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

// Config holds the full engine configuration.
type Config struct {
	// Identity and network
	IdentityPath    string `yaml:"identity_path"`
	RPCURL          string `yaml:"rpc_url"`
	WSURL           string `yaml:"ws_url"`
	ThreadProgramID string `yaml:"thread_program_id"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Execution
	ThreadCount                 int  `yaml:"thread_count"`
	TransactionTimeoutThreshold int  `yaml:"transaction_timeout_threshold"` // slots
	ForgoExecutorCommission     bool `yaml:"forgo_executor_commission"`

	// Submission
	SubmissionMode SubmissionMode `yaml:"submission_mode"`
	LeaderFanout   int            `yaml:"leader_fanout"`

	// Replay bus
	EnableReplay      bool   `yaml:"enable_replay"`
	NATSURL           string `yaml:"nats_url"`
	ReplayDelayMS     int64  `yaml:"replay_delay_ms"`
	ReplayMaxAttempts int    `yaml:"replay_max_attempts"`

	// Event source
	PollInterval time.Duration `yaml:"poll_interval"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	// Retry policy
	Retry RetryConfig `yaml:"retry"`

	// Dead letter retention; zero means never auto-evict.
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		RPCURL:                      "http://127.0.0.1:8899",
		WSURL:                       "ws://127.0.0.1:8900",
		DataDir:                     "/var/lib/antegen",
		ThreadCount:                 10,
		TransactionTimeoutThreshold: 150,
		SubmissionMode:              ModeDirectWithFallback,
		LeaderFanout:                12,
		ReplayDelayMS:               30_000,
		ReplayMaxAttempts:           5,
		NATSURL:                     "nats://127.0.0.1:4222",
		PollInterval:                2 * time.Second,
		CacheTTL:                    10 * time.Minute,
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelayMS:    500,
			MaxDelayMS:        30_000,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
		},
		MetricsAddr: ":9464",
		LogLevel:    "info",
	}
}

// Load reads a YAML config file on top of the defaults, applies
// environment overrides, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads file and environment layers without validating, so the
// CLI can overlay its flags first.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays ANTEGEN_* environment variables onto the config.
func (c *Config) ApplyEnv() {
	envStr(&c.IdentityPath, "IDENTITY_PATH")
	envStr(&c.RPCURL, "RPC_URL")
	envStr(&c.WSURL, "WS_URL")
	envStr(&c.ThreadProgramID, "THREAD_PROGRAM_ID")
	envStr(&c.DataDir, "DATA_DIR")
	envInt(&c.ThreadCount, "THREAD_COUNT")
	envInt(&c.TransactionTimeoutThreshold, "TRANSACTION_TIMEOUT_THRESHOLD")
	envBool(&c.ForgoExecutorCommission, "FORGO_EXECUTOR_COMMISSION")
	envBool(&c.EnableReplay, "ENABLE_REPLAY")
	envStr(&c.NATSURL, "NATS_URL")
	envInt64(&c.ReplayDelayMS, "REPLAY_DELAY_MS")
	envInt(&c.ReplayMaxAttempts, "REPLAY_MAX_ATTEMPTS")
	envInt(&c.LeaderFanout, "LEADER_FANOUT")
	envDur(&c.PollInterval, "POLL_INTERVAL")
	envDur(&c.CacheTTL, "CACHE_TTL")
	envDur(&c.DeadLetterRetention, "DEAD_LETTER_RETENTION")
	envStr(&c.MetricsAddr, "METRICS_ADDR")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envBool(&c.LogJSON, "LOG_JSON")

	if v, ok := os.LookupEnv(EnvPrefix + "SUBMISSION_MODE"); ok {
		c.SubmissionMode = SubmissionMode(v)
	}
	envInt(&c.Retry.MaxRetries, "RETRY_MAX_RETRIES")
	envInt64(&c.Retry.InitialDelayMS, "RETRY_INITIAL_DELAY_MS")
	envInt64(&c.Retry.MaxDelayMS, "RETRY_MAX_DELAY_MS")
	envFloat(&c.Retry.BackoffMultiplier, "RETRY_BACKOFF_MULTIPLIER")
	envFloat(&c.Retry.JitterFactor, "RETRY_JITTER_FACTOR")
}

// Validate checks the configuration for values the engine cannot start with.
func (c *Config) Validate() error {
	if c.IdentityPath == "" {
		return fmt.Errorf("identity_path is required")
	}
	if c.ThreadProgramID == "" {
		return fmt.Errorf("thread_program_id is required")
	}
	if _, err := types.ParsePubkey(c.ThreadProgramID); err != nil {
		return fmt.Errorf("thread_program_id: %w", err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ThreadCount < 1 {
		return fmt.Errorf("thread_count must be >= 1, got %d", c.ThreadCount)
	}
	switch c.SubmissionMode {
	case ModeRPCOnly, ModeDirectOnly, ModeDirectWithFallback:
	default:
		return fmt.Errorf("unknown submission_mode %q", c.SubmissionMode)
	}
	if c.EnableReplay && c.NATSURL == "" {
		return fmt.Errorf("nats_url is required when enable_replay is set")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be in [0,1], got %v", c.Retry.JitterFactor)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier)
	}
	return nil
}

// ProgramID returns the parsed thread program id. Validate must have
// accepted the config first.
func (c *Config) ProgramID() types.Pubkey {
	return types.MustPubkey(c.ThreadProgramID)
}

// ReplayDelay returns the replay hold time as a duration.
func (c *Config) ReplayDelay() time.Duration {
	return time.Duration(c.ReplayDelayMS) * time.Millisecond
}

func envStr(dst *string, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(dst *time.Duration, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
