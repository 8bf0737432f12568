package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whistle-net/coordinator/internal/models"
)

// UptimeBand awards Bonus to nodes whose uptime percentage is at or above
// Threshold. Bands are evaluated highest first and are not cumulative.
type UptimeBand struct {
	Threshold float64
	Bonus     float64
}

type Config struct {
	Port        int
	DatabaseURL string // postgres DSN; when empty the sqlite DBPath is used
	DBPath      string

	RewardPool     float64 // tokens distributed per epoch
	EpochDuration  time.Duration
	ReportInterval time.Duration // expected node reporting cadence
	StaleFactor    int           // stale window = StaleFactor * ReportInterval

	RequestsWeight float64
	BytesWeight    float64

	TierMultipliers map[models.NodeType]float64
	UptimeBands     []UptimeBand

	QueryCostLamports int64
	FreeTierQueries   int64
	DefaultRateLimit  int // queries per minute for new accounts

	DispatchTTL        time.Duration
	SettlementInterval time.Duration
	MetricsRetention   time.Duration

	FailOpenOnStoreError    bool
	EnableOnchainSettlement bool
}

// Load reads .env if present, then the environment. Every value has a
// default so the coordinator starts with no configuration at all.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               envInt("PORT", 3003),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBPath:             envStr("DB_PATH", "./data/coordinator.db"),
		RewardPool:         envFloat("REWARD_POOL", 100),
		EpochDuration:      envDuration("EPOCH_DURATION", time.Hour),
		ReportInterval:     envDuration("REPORT_INTERVAL", time.Minute),
		StaleFactor:        envInt("STALE_FACTOR", 3),
		RequestsWeight:     envFloat("WORK_REQUESTS_WEIGHT", 1.0),
		BytesWeight:        envFloat("WORK_BYTES_WEIGHT", 0.000001),
		QueryCostLamports:  envInt64("QUERY_COST_LAMPORTS", 10000),
		FreeTierQueries:    envInt64("FREE_TIER_QUERIES", 1000),
		DefaultRateLimit:   envInt("DEFAULT_RATE_LIMIT", 100),
		DispatchTTL:        envDuration("DISPATCH_TTL", 30*time.Second),
		SettlementInterval: envDuration("SETTLEMENT_INTERVAL", time.Hour),
		MetricsRetention:   envDuration("METRICS_RETENTION", 7*24*time.Hour),

		FailOpenOnStoreError:    envBool("FAIL_OPEN_ON_STORE_ERROR", false),
		EnableOnchainSettlement: envBool("ENABLE_ONCHAIN_SETTLEMENT", false),

		TierMultipliers: map[models.NodeType]float64{
			models.NodeTypeServer:  envFloat("TIER_MULTIPLIER_SERVER", 1.5),
			models.NodeTypeBrowser: envFloat("TIER_MULTIPLIER_BROWSER", 1.0),
		},
	}

	bands, err := parseBands(envStr("UPTIME_BANDS", "99:1.5,95:1.2"))
	if err != nil {
		return nil, fmt.Errorf("invalid UPTIME_BANDS: %w", err)
	}
	cfg.UptimeBands = bands

	if cfg.StaleFactor < 1 {
		cfg.StaleFactor = 1
	}
	return cfg, nil
}

// StaleWindow is how long a node may go without reporting before the sweep
// marks it stale.
func (c *Config) StaleWindow() time.Duration {
	return time.Duration(c.StaleFactor) * c.ReportInterval
}

// parseBands parses "99:1.5,95:1.2" into bands sorted by threshold
// descending so the highest qualifying band wins.
func parseBands(s string) ([]UptimeBand, error) {
	var bands []UptimeBand
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("band %q is not threshold:bonus", part)
		}
		threshold, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, err
		}
		bonus, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		bands = append(bands, UptimeBand{Threshold: threshold, Bonus: bonus})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].Threshold > bands[j].Threshold })
	return bands, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
