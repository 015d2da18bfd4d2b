package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Chain    ChainConfig    `yaml:"chain"`
	State    StateConfig    `yaml:"state"`
	Engine   EngineConfig   `yaml:"engine"`
	Executor ExecutorConfig `yaml:"executor"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Treasury TreasuryConfig `yaml:"treasury"`
	Prices   PricesConfig   `yaml:"prices"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	FeeLedger      string        `yaml:"fee_ledger"`
	IntentRouter   string        `yaml:"intent_router"`
	FeeToken       string        `yaml:"fee_token"`
}

type StateConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type EngineConfig struct {
	TradeEstimateUSD float64       `yaml:"trade_estimate_usd"`
	StateTTL         time.Duration `yaml:"state_ttl"`
	UseLease         bool          `yaml:"use_lease"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
}

type ExecutorConfig struct {
	APIBaseURL          string        `yaml:"api_base_url"`
	BundlerURL          string        `yaml:"bundler_url"`
	EntryPoint          string        `yaml:"entry_point"`
	SwapTarget          string        `yaml:"swap_target"`
	IntentTTL           time.Duration `yaml:"intent_ttl"`
	StrategyID          string        `yaml:"strategy_id"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	Pools               []PoolConfig  `yaml:"pools"`
}

type PoolConfig struct {
	TokenA string `yaml:"token_a"`
	TokenB string `yaml:"token_b"`
	Pool   string `yaml:"pool"`
}

type SweepConfig struct {
	CronSpec   string `yaml:"cron_spec"`
	RunOnStart bool   `yaml:"run_on_start"`
}

type WebhookConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	RelevantEvents []string `yaml:"relevant_events"`
}

type IngestConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type TreasuryConfig struct {
	Address              string        `yaml:"address"`
	ServiceFeeBps        int           `yaml:"service_fee_bps"`
	DistributionInterval time.Duration `yaml:"distribution_interval"`
	ExitToken            string        `yaml:"exit_token"`
}

type PricesConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.RequestTimeout == 0 {
		cfg.Chain.RequestTimeout = 10 * time.Second
	}
	if cfg.Chain.FeeToken == "" {
		cfg.Chain.FeeToken = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "sqlite"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/treasury-agent.db"
	}
	if cfg.State.RedisAddr == "" {
		cfg.State.RedisAddr = "localhost:6379"
	}
	if cfg.Engine.TradeEstimateUSD == 0 {
		cfg.Engine.TradeEstimateUSD = 1000
	}
	if cfg.Engine.StateTTL == 0 {
		cfg.Engine.StateTTL = 30 * 24 * time.Hour
	}
	if cfg.Engine.LeaseTTL == 0 {
		cfg.Engine.LeaseTTL = 30 * time.Second
	}
	if cfg.Executor.IntentTTL == 0 {
		cfg.Executor.IntentTTL = 5 * time.Minute
	}
	if cfg.Executor.ReceiptTimeout == 0 {
		cfg.Executor.ReceiptTimeout = 60 * time.Second
	}
	if cfg.Executor.ReceiptPollInterval == 0 {
		cfg.Executor.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Executor.RequestTimeout == 0 {
		cfg.Executor.RequestTimeout = 10 * time.Second
	}
	if cfg.Sweep.CronSpec == "" {
		cfg.Sweep.CronSpec = "0 */5 * * * *"
	}
	if cfg.Webhook.ListenAddr == "" {
		cfg.Webhook.ListenAddr = ":8080"
	}
	if len(cfg.Webhook.RelevantEvents) == 0 {
		cfg.Webhook.RelevantEvents = []string{"token.transfer", "pool.swap", "fees.accrued"}
	}
	if cfg.Ingest.ReconnectDelay == 0 {
		cfg.Ingest.ReconnectDelay = 3 * time.Second
	}
	if cfg.Ingest.PingInterval == 0 {
		cfg.Ingest.PingInterval = 30 * time.Second
	}
	if cfg.Treasury.ServiceFeeBps == 0 {
		cfg.Treasury.ServiceFeeBps = 100
	}
	if cfg.Treasury.DistributionInterval == 0 {
		cfg.Treasury.DistributionInterval = 24 * time.Hour
	}
	if cfg.Prices.Timeout == 0 {
		cfg.Prices.Timeout = 10 * time.Second
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

func validate(cfg *Config) error {
	switch cfg.State.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("state.backend must be sqlite, redis, or memory, got %q", cfg.State.Backend)
	}
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if cfg.Chain.ChainID <= 0 {
		return errors.New("chain.chain_id must be > 0")
	}
	if cfg.Treasury.ServiceFeeBps < 0 || cfg.Treasury.ServiceFeeBps > 10000 {
		return errors.New("treasury.service_fee_bps must be within [0, 10000]")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
