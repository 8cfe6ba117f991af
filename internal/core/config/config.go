package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ActionLogCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

type Config struct {
	Addr     string
	LogLevel string
	MapID    string

	MapServiceURL    string
	MapServiceDriver string
	MapSeedFile      string
	MapCallTimeout   time.Duration
	MapPingInterval  time.Duration

	RedisAddr       string
	CacheOpTimeout  time.Duration
	CatalogCacheTTL time.Duration

	FilterableLayers []string
	FilterField      string
	FilterRangeMin   float64
	FilterRangeMax   float64

	// Change feed settings are read by the kafka runner's own FromEnv.
	ActionLog      ActionLogCfg
	MetricsEnabled bool
}

func FromEnv() Config {
	lo := getfloat("FILTER_RANGE_MIN", 0)
	hi := getfloat("FILTER_RANGE_MAX", 70000)
	if lo > hi {
		lo, hi = hi, lo
	}
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		MapID:    getenv("MAP_ID", "demo"),

		MapServiceURL:    getenv("MAP_SERVICE_URL", "ws://localhost:8091/ws"),
		MapServiceDriver: strings.ToLower(getenv("MAP_SERVICE_DRIVER", "ws")),
		MapSeedFile:      getenv("MAP_SEED_FILE", ""),
		MapCallTimeout:   getduration("MAP_CALL_TIMEOUT", 10*time.Second),
		MapPingInterval:  getduration("MAP_PING_INTERVAL", 30*time.Second),

		RedisAddr:       getenv("REDIS_ADDR", ""),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CatalogCacheTTL: getduration("CATALOG_CACHE_TTL", time.Minute),

		FilterableLayers: getlist("FILTERABLE_LAYERS", []string{"Green Belt"}),
		FilterField:      getenv("FILTER_FIELD", "Area_ha"),
		FilterRangeMin:   lo,
		FilterRangeMax:   hi,

		ActionLog: ActionLogCfg{
			Enabled: getbool("ACTIONLOG_ENABLED", false),
			Topic:   getenv("ACTIONLOG_TOPIC", "sidebar-actions"),
			Brokers: brokers,
			Queue:   getint("ACTIONLOG_QUEUE", 1024),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", true),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "Green Belt, l-parks" into a trimmed list
func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
