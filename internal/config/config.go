package config

import (
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the overall application configuration.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL"    default:"info"`
	// RegionHint is the ISO 3166-1 region used when normalizing dial
	// strings that lack an international prefix.
	RegionHint string `envconfig:"PHONE_REGION_HINT" default:"RU"`

	Redis     RedisConfig
	SMPP      SMPPConfig
	Allocator AllocatorConfig
	Usage     UsageConfig
	HTTP      HTTPConfig
	Workers   WorkerConfig
}

// RedisConfig configures the usage/cooldown cache backend.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"     default:"127.0.0.1:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB"       default:"0"`
}

// SMPPConfig holds both the inbound listener and outbound dialer settings.
type SMPPConfig struct {
	BindHost string `envconfig:"SMPP_BIND_HOST"  default:"0.0.0.0"`
	// BindPortsRaw is a CSV (or semicolon-separated) list of listener ports.
	BindPortsRaw string `envconfig:"SMPP_BIND_PORTS" default:"2775"`
	SystemID     string `envconfig:"SMPP_SYSTEM_ID"  default:"numgate"`

	// AllowedIPsRaw is a CSV of IPs/CIDRs admitted to the listener.
	AllowedIPsRaw    string        `envconfig:"SMPP_ALLOWED_IPS"               default:""`
	AllowLocalhost   bool          `envconfig:"SMPP_WHITELIST_ALLOW_LOCALHOST" default:"true"`
	WhitelistFromDB  bool          `envconfig:"SMPP_WHITELIST_FROM_DB"         default:"true"`
	WhitelistRefresh time.Duration `envconfig:"SMPP_WHITELIST_REFRESH"         default:"60s"`

	ReadTimeout  time.Duration `envconfig:"SMPP_READ_TIMEOUT"  default:"120s"`
	WriteTimeout time.Duration `envconfig:"SMPP_WRITE_TIMEOUT" default:"10s"`

	// Outbound dial-out loops.
	EnquireLinkInterval time.Duration `envconfig:"SMPP_ENQUIRE_LINK"       default:"30s"`
	ReconnectDelay      time.Duration `envconfig:"SMPP_RECONNECT_DELAY"    default:"15s"`
	BindFailureDelay    time.Duration `envconfig:"SMPP_BIND_FAILURE_DELAY" default:"30s"`
	ProviderSync        time.Duration `envconfig:"SMPP_PROVIDER_SYNC"      default:"60s"`
}

// AllocatorConfig bounds the number-selection work per lease request.
type AllocatorConfig struct {
	Cooldown       time.Duration `envconfig:"ALLOC_COOLDOWN"        default:"90s"`
	MaxAttempts    int           `envconfig:"ALLOC_MAX_ATTEMPTS"    default:"12"`
	ProviderSample int           `envconfig:"ALLOC_PROVIDER_SAMPLE" default:"3"`
	BoundsTTL      time.Duration `envconfig:"ALLOC_BOUNDS_TTL"      default:"10s"`
	PendingTTL     time.Duration `envconfig:"ALLOC_PENDING_TTL"     default:"5s"`
}

// UsageConfig controls the TTL-backed usage counter cache.
type UsageConfig struct {
	CounterTTL  time.Duration `envconfig:"USAGE_COUNTER_TTL"   default:"15s"`
	WarmLockTTL time.Duration `envconfig:"USAGE_WARM_LOCK_TTL" default:"5s"`
}

// HTTPConfig holds the compatibility API server settings.
type HTTPConfig struct {
	Addr         string        `envconfig:"HTTP_ADDR"          default:"0.0.0.0:8000"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT"  default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT"  default:"60s"`
}

// WorkerConfig holds background loop intervals.
type WorkerConfig struct {
	ConcatSweepInterval  time.Duration `envconfig:"WORKER_CONCAT_SWEEP_INTERVAL"  default:"30s"`
	ConcatMaxAge         time.Duration `envconfig:"WORKER_CONCAT_MAX_AGE"         default:"5m"`
	OrphanEnrichInterval time.Duration `envconfig:"WORKER_ORPHAN_ENRICH_INTERVAL" default:"10m"`
	OrphanEnrichBatch    int           `envconfig:"WORKER_ORPHAN_ENRICH_BATCH"    default:"1000"`
}

// BindPorts parses BindPortsRaw into a sorted, deduplicated port list.
func (c SMPPConfig) BindPorts() []int {
	seen := map[int]bool{}
	var ports []int
	for _, item := range splitList(c.BindPortsRaw) {
		p, err := strconv.Atoi(item)
		if err != nil || p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		ports = []int{2775}
	}
	sort.Ints(ports)
	return ports
}

// AllowedIPs parses AllowedIPsRaw into individual IP/CIDR strings.
func (c SMPPConfig) AllowedIPs() []string {
	return splitList(c.AllowedIPsRaw)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(strings.ReplaceAll(raw, ";", ","), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load reads configuration from the environment, honoring an optional .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
