package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Redis struct {
	URL          string
	RequestQueue string // list the consumer pops envelopes from
	DBQueue      string // list the durable event stream is pushed to
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Events struct {
	// Sink selects the durable stream: "redis" or "kafka".
	Sink   string
	Buffer int
	Kafka  Kafka
}

type Exchange struct {
	BaseCurrency string
	Markets      []string // base assets traded against BaseCurrency
	SeedUsers    []string
	SeedAmount   decimal.Decimal
}

type Snapshot struct {
	Restore  bool   // load the latest snapshot on startup
	Store    string // "pebble", "file" or "memory"
	Dir      string
	Keep     int
	Interval time.Duration
}

type Node struct {
	APIAddr           string
	CORSOrigins       []string
	LogFile           string
	HeartbeatInterval time.Duration
}

type Config struct {
	Redis    Redis
	Events   Events
	Exchange Exchange
	Snapshot Snapshot
	Node     Node
}

func Default() Config {
	return Config{
		Redis: Redis{
			URL:          "redis://localhost:6379",
			RequestQueue: "messages",
			DBQueue:      "db_processor",
		},
		Events: Events{
			Sink:   "redis",
			Buffer: 4096,
			Kafka: Kafka{
				Brokers: []string{"localhost:9092"},
				Topic:   "matchd.events",
			},
		},
		Exchange: Exchange{
			BaseCurrency: "INR",
			Markets:      []string{"TATA"},
			SeedUsers:    []string{"1", "2", "5"},
			SeedAmount:   decimal.NewFromInt(1_000_000),
		},
		Snapshot: Snapshot{
			Restore:  false,
			Store:    "pebble",
			Dir:      "data/snapshots",
			Keep:     5,
			Interval: 3 * time.Second,
		},
		Node: Node{
			APIAddr:           ":8080",
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:3001"},
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.RequestQueue = getEnv("REQUEST_QUEUE", cfg.Redis.RequestQueue)
	cfg.Redis.DBQueue = getEnv("DB_QUEUE", cfg.Redis.DBQueue)

	cfg.Events.Sink = strings.ToLower(getEnv("EVENT_SINK", cfg.Events.Sink))
	cfg.Events.Buffer = getInt("EVENT_BUFFER", cfg.Events.Buffer)
	cfg.Events.Kafka.Brokers = getList("KAFKA_BROKERS", cfg.Events.Kafka.Brokers)
	cfg.Events.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Events.Kafka.Topic)

	cfg.Exchange.BaseCurrency = getEnv("BASE_CURRENCY", cfg.Exchange.BaseCurrency)
	cfg.Exchange.Markets = getList("MARKETS", cfg.Exchange.Markets)
	cfg.Exchange.SeedUsers = getList("SEED_USERS", cfg.Exchange.SeedUsers)
	if v := os.Getenv("SEED_AMOUNT"); v != "" {
		if amt, err := decimal.NewFromString(v); err == nil {
			cfg.Exchange.SeedAmount = amt
		}
	}

	if v := os.Getenv("WITH_SNAPSHOT"); v != "" {
		cfg.Snapshot.Restore = v == "true"
	}
	cfg.Snapshot.Store = strings.ToLower(getEnv("SNAPSHOT_STORE", cfg.Snapshot.Store))
	cfg.Snapshot.Dir = getEnv("SNAPSHOT_DIR", cfg.Snapshot.Dir)
	cfg.Snapshot.Keep = getInt("SNAPSHOT_KEEP", cfg.Snapshot.Keep)
	cfg.Snapshot.Interval = getMillis("SNAPSHOT_INTERVAL_MS", cfg.Snapshot.Interval)

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.CORSOrigins = getList("CORS_ORIGINS", cfg.Node.CORSOrigins)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.HeartbeatInterval = getMillis("HEARTBEAT_INTERVAL_MS", cfg.Node.HeartbeatInterval)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getList splits a comma-separated value, e.g. "TATA,ZOMATO".
func getList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
