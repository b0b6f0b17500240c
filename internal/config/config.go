// Package config loads and validates Seraph's process-wide settings from a
// JSON config file, with environment variable overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultConfigPath is used when -config is not supplied.
	DefaultConfigPath = "seraph.config.json"

	// DefaultPort is the HTTP ingress listen port.
	DefaultPort = 8090

	// DefaultSocketPath is the local Unix domain socket for trusted
	// same-host clients (the operator CLI, sidecars).
	DefaultSocketPath = ".seraph.sock"
)

// Config is the fully validated, process-wide configuration. Field names
// mirror the JSON config file's schema (spec §6).
type Config struct {
	Port                int                `json:"port"`
	APIKey              string             `json:"apiKey"`
	Workers             WorkersConfig      `json:"workers"`
	PreFilters          []string           `json:"preFilters"`
	RateLimit           RateLimitConfig    `json:"rateLimit"`
	RecentLogsMaxSizeMb int                `json:"recentLogsMaxSizeMb"`
	ReportRetentionDays int                `json:"reportRetentionDays"`
	LLM                 LLMConfig          `json:"llm"`
	AlertManager        AlertManagerConfig `json:"alertManager"`
	LLMCache            LLMCacheConfig     `json:"llmCache"`
	PriorityQueue       PriorityQueueConfig `json:"priorityQueue"`
	StartupPrompts      []string           `json:"startupPrompts"`
	ReportStore         ReportStoreConfig  `json:"reportStore"`
	MCPServers          []MCPServerConfig  `json:"mcpServers"`
}

// MCPServerConfig addresses one external MCP tool server the ToolRegistry
// should discover tools from at startup.
type MCPServerConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// WorkersConfig sizes the TriagePool and InvestigationPool.
type WorkersConfig struct {
	Triage        int `json:"triage"`
	Investigation int `json:"investigation"`
}

// RateLimitConfig is parsed and validated, but the ingress does not read
// it: its rate limiter uses a fixed 100 requests per client per 60s window.
type RateLimitConfig struct {
	RequestsPerWindow int           `json:"requestsPerWindow"`
	WindowSeconds     int           `json:"windowSeconds"`
	Window            time.Duration `json:"-"`
}

// LLMConfig addresses the Model capability's backend.
type LLMConfig struct {
	BaseURL        string        `json:"baseUrl"`
	Model          string        `json:"model"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
	Timeout        time.Duration `json:"-"`
}

// AlertManagerConfig addresses the downstream Alertmanager-compatible sink.
type AlertManagerConfig struct {
	URL              string        `json:"url"`
	HeartbeatSeconds int           `json:"heartbeatSeconds"`
	Heartbeat        time.Duration `json:"-"`
}

// LLMCacheConfig configures the ResponseCache backend.
type LLMCacheConfig struct {
	Enabled             bool          `json:"enabled"`
	Redis               RedisConfig   `json:"redis"`
	TTLSeconds          int           `json:"ttlSeconds"`
	TTL                 time.Duration `json:"-"`
	SimilarityThreshold float64       `json:"similarityThreshold"`
}

// RedisConfig addresses the ResponseCache's optional Redis backend.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PriorityQueueConfig tunes the Scheduler's admission and aging behavior.
type PriorityQueueConfig struct {
	Enabled              bool          `json:"enabled"`
	MaxSize              int           `json:"maxSize"`
	AgingIntervalSeconds int           `json:"agingIntervalSeconds"`
	AgingInterval        time.Duration `json:"-"`
	BurstThreshold       int           `json:"burstThreshold"`
	BurstWindowSeconds   int           `json:"burstWindowSeconds"`
	BurstWindow          time.Duration `json:"-"`

	// DedupWindowSeconds bounds how long a normalized-reason dedup entry
	// collapses repeats before the next occurrence starts a fresh
	// investigation (spec §4.3 step 1).
	DedupWindowSeconds int           `json:"dedupWindowSeconds"`
	DedupWindow        time.Duration `json:"-"`

	// BurstActivationPriority is the least-urgent priority that still
	// counts toward burst detection (spec default: HIGH).
	BurstActivationPriority string `json:"burstActivationPriority"`
	// BurstMaxDurationSeconds force-deactivates burst mode after this
	// long even if admissions keep coming (spec §4.3 step 3).
	BurstMaxDurationSeconds int           `json:"burstMaxDurationSeconds"`
	BurstMaxDuration        time.Duration `json:"-"`
	// BurstConcurrency is the investigation concurrency cap applied while
	// burst mode is active, raising (or lowering) the normal worker count.
	BurstConcurrency int `json:"burstConcurrency"`

	// PreemptionEnabled gates spec §4.3 step 4's running-investigation
	// preemption; PreemptionThreshold is the minimum priority-enum gap
	// (runningPriority - incomingPriority) required to preempt.
	PreemptionEnabled   bool `json:"preemptionEnabled"`
	PreemptionThreshold int  `json:"preemptionThreshold"`

	PriorityWeights PriorityWeightsConfig    `json:"priorityWeights"`
	Services        map[string]ServiceConfig `json:"services"`
	BusinessHours   BusinessHoursConfig      `json:"businessHours"`
	CriticalKeywords []string `json:"criticalKeywords"`
	HighKeywords     []string `json:"highKeywords"`
	MediumKeywords   []string `json:"mediumKeywords"`
	LowKeywords      []string `json:"lowKeywords"`
}

// PriorityWeightsConfig weights the four PriorityCalculator sub-scores
// (spec §4.5); the defaults weight keyword matches highest since they are
// the most direct signal of severity.
type PriorityWeightsConfig struct {
	Keyword    float64 `json:"keyword"`
	Service    float64 `json:"service"`
	Time       float64 `json:"time"`
	Historical float64 `json:"historical"`
}

// ServiceConfig describes one service's criticality for the Service impact
// sub-score (spec §4.5).
type ServiceConfig struct {
	Criticality    float64 `json:"criticality"`
	BusinessImpact float64 `json:"businessImpact"`
	UserCount      int     `json:"userCount"`
}

// BusinessHoursConfig bounds the Time context sub-score's business-hours
// and peak-traffic bands (spec §4.5), in local-server-time hours.
type BusinessHoursConfig struct {
	StartHour int   `json:"startHour"`
	EndHour   int   `json:"endHour"`
	PeakHours [][2]int `json:"peakHours"`
}

// ReportStoreConfig addresses the ReportStore's Postgres backend.
type ReportStoreConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int    `json:"maxConns"`
}

// Load reads and validates a config file at path, applying environment
// overrides (SERAPH_API_KEY, SERAPH_LLM_BASE_URL, SERAPH_REPORTSTORE_DSN,
// SERAPH_REDIS_ADDR) before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.deriveDurations()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with spec-stated defaults, to be
// overlaid by the file contents and env vars.
func Default() *Config {
	return &Config{
		Port: DefaultPort,
		Workers: WorkersConfig{
			Triage:        4,
			Investigation: 2,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowSeconds:     60,
		},
		RecentLogsMaxSizeMb: 64,
		ReportRetentionDays: 30,
		LLM: LLMConfig{
			TimeoutSeconds: 120,
		},
		AlertManager: AlertManagerConfig{
			HeartbeatSeconds: 30,
		},
		LLMCache: LLMCacheConfig{
			TTLSeconds:          3600,
			SimilarityThreshold: 0.92,
		},
		PriorityQueue: PriorityQueueConfig{
			Enabled:                 true,
			MaxSize:                 500,
			AgingIntervalSeconds:    30,
			BurstThreshold:          20,
			BurstWindowSeconds:      10,
			DedupWindowSeconds:      300,
			BurstActivationPriority: "high",
			BurstMaxDurationSeconds: 600,
			BurstConcurrency:        0, // 0 means "derive from workers.investigation * 2" at wiring time
			PreemptionEnabled:       true,
			PreemptionThreshold:     2,
			PriorityWeights: PriorityWeightsConfig{
				Keyword:    0.4,
				Service:    0.3,
				Time:       0.15,
				Historical: 0.15,
			},
			BusinessHours: BusinessHoursConfig{
				StartHour: 9,
				EndHour:   18,
				PeakHours: [][2]int{{9, 11}, {14, 16}},
			},
		},
		ReportStore: ReportStoreConfig{
			MaxConns: 10,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERAPH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SERAPH_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SERAPH_REPORTSTORE_DSN"); v != "" {
		cfg.ReportStore.DSN = v
	}
	if v := os.Getenv("SERAPH_REDIS_ADDR"); v != "" {
		cfg.LLMCache.Redis.Addr = v
	}
}

func (c *Config) deriveDurations() {
	c.RateLimit.Window = time.Duration(c.RateLimit.WindowSeconds) * time.Second
	c.LLM.Timeout = time.Duration(c.LLM.TimeoutSeconds) * time.Second
	c.AlertManager.Heartbeat = time.Duration(c.AlertManager.HeartbeatSeconds) * time.Second
	c.LLMCache.TTL = time.Duration(c.LLMCache.TTLSeconds) * time.Second
	c.PriorityQueue.AgingInterval = time.Duration(c.PriorityQueue.AgingIntervalSeconds) * time.Second
	c.PriorityQueue.BurstWindow = time.Duration(c.PriorityQueue.BurstWindowSeconds) * time.Second
	c.PriorityQueue.DedupWindow = time.Duration(c.PriorityQueue.DedupWindowSeconds) * time.Second
	c.PriorityQueue.BurstMaxDuration = time.Duration(c.PriorityQueue.BurstMaxDurationSeconds) * time.Second
}

// Validate rejects a config the agent must refuse to start with
// (spec §7: "Config invalid -> refuse to start").
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.APIKey == "" {
		return fmt.Errorf("apiKey must not be empty")
	}
	if c.Workers.Triage < 1 {
		return fmt.Errorf("workers.triage must be >= 1")
	}
	if c.Workers.Investigation < 1 {
		return fmt.Errorf("workers.investigation must be >= 1")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.baseUrl must not be empty")
	}
	if c.RateLimit.RequestsPerWindow < 1 {
		return fmt.Errorf("rateLimit.requestsPerWindow must be >= 1")
	}
	if c.PriorityQueue.MaxSize < 1 {
		return fmt.Errorf("priorityQueue.maxSize must be >= 1")
	}
	if c.LLMCache.Enabled && c.LLMCache.Redis.Addr == "" {
		return fmt.Errorf("llmCache.enabled requires llmCache.redis.addr")
	}
	return nil
}
