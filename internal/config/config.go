package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tasks     TaskConfig      `yaml:"tasks"`
	Pricing   []PricingRow    `yaml:"pricing"`
	Providers ProvidersConfig `yaml:"providers"`
	Recharge  RechargeConfig  `yaml:"recharge"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	ServiceKey  string `yaml:"service_key"`
	Bucket      string `yaml:"bucket"`
}

type SchedulerConfig struct {
	TaskIntervalSeconds     int `yaml:"task_interval_seconds"`
	WorkflowIntervalSeconds int `yaml:"workflow_interval_seconds"`
	BatchSize               int `yaml:"batch_size"`
	Concurrency             int `yaml:"concurrency"`
	ClaimLeaseSeconds       int `yaml:"claim_lease_seconds"`
}

type TaskConfig struct {
	MaxRetries               int `yaml:"max_retries"`
	RetryBaseSeconds         int `yaml:"retry_base_seconds"`
	RetryCapSeconds          int `yaml:"retry_cap_seconds"`
	AsyncTimeoutMinutes      int `yaml:"async_timeout_minutes"`
	SyncTimeoutMinutes       int `yaml:"sync_timeout_minutes"`
	AsyncPollIntervalSeconds int `yaml:"async_poll_interval_seconds"`
}

// PricingRow mirrors one row of the pricing table. Amounts are minor
// currency units.
type PricingRow struct {
	TaskType    string `yaml:"task_type"`
	BillingType string `yaml:"billing_type"` // per_unit | per_token
	UnitPrice   int64  `yaml:"unit_price"`
	Unit        string `yaml:"unit"` // second | piece | token
	MinUnit     int64  `yaml:"min_unit"`
}

type ProvidersConfig struct {
	MaxConcurrentCalls int64                       `yaml:"max_concurrent_calls"`
	Endpoints          map[string]ProviderEndpoint `yaml:"endpoints"`
}

type ProviderEndpoint struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RechargeConfig struct {
	CallbackSecrets    map[string]string `yaml:"callback_secrets"` // provider -> HMAC secret
	OrderExpiryMinutes int               `yaml:"order_expiry_minutes"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a config with every knob at its documented default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Scheduler.TaskIntervalSeconds == 0 {
		c.Scheduler.TaskIntervalSeconds = 5
	}
	if c.Scheduler.WorkflowIntervalSeconds == 0 {
		c.Scheduler.WorkflowIntervalSeconds = 10
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 20
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 8
	}
	if c.Scheduler.ClaimLeaseSeconds == 0 {
		c.Scheduler.ClaimLeaseSeconds = 60
	}
	if c.Tasks.MaxRetries == 0 {
		c.Tasks.MaxRetries = 3
	}
	if c.Tasks.RetryBaseSeconds == 0 {
		c.Tasks.RetryBaseSeconds = 30
	}
	if c.Tasks.RetryCapSeconds == 0 {
		c.Tasks.RetryCapSeconds = 600
	}
	if c.Tasks.AsyncTimeoutMinutes == 0 {
		c.Tasks.AsyncTimeoutMinutes = 120
	}
	if c.Tasks.SyncTimeoutMinutes == 0 {
		c.Tasks.SyncTimeoutMinutes = 30
	}
	if c.Tasks.AsyncPollIntervalSeconds == 0 {
		c.Tasks.AsyncPollIntervalSeconds = 60
	}
	if c.Providers.MaxConcurrentCalls == 0 {
		c.Providers.MaxConcurrentCalls = 16
	}
	if c.Recharge.OrderExpiryMinutes == 0 {
		c.Recharge.OrderExpiryMinutes = 30
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "media"
	}
}

// RetryBackoff returns the delay before retry attempt n (1-based),
// exponential with a hard cap.
func (t TaskConfig) RetryBackoff(attempt int) time.Duration {
	d := time.Duration(t.RetryBaseSeconds) * time.Second
	capd := time.Duration(t.RetryCapSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capd {
			return capd
		}
	}
	if d > capd {
		return capd
	}
	return d
}

// Timeout returns the wall-clock budget for a task given its execution mode.
func (t TaskConfig) Timeout(async bool) time.Duration {
	if async {
		return time.Duration(t.AsyncTimeoutMinutes) * time.Minute
	}
	return time.Duration(t.SyncTimeoutMinutes) * time.Minute
}
