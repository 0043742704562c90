package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Redis struct {
	URL            string        // redis://:password@host:6379/0
	RetryAttempts  int           // Connection attempts at startup
	RetryInterval  time.Duration // Delay between connection attempts
	ConnectTimeout time.Duration // Overall startup connect deadline
	QueueName      string        // Main task list
	DLQName        string        // Dead-letter list
	DedupPrefix    string        // Namespace for dedup keys
	DedupTTL       time.Duration // Deduplication window
}

type DB struct {
	Enabled bool // Task journal on/off
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

type NSQ struct {
	NsqdTCPAddr   string        // e.g. nsqd:4150
	NsqdHTTPAddr  string        // e.g. nsqd:4151, stats endpoint
	DLQTopic      string        // Dead letter fan-out topic
	DLQChannel    string        // Channel the dlq-monitor consumes
	PublishDLQ    bool          // Whether to publish dead letters to NSQ
	MonitorPort   string        // dlq-monitor health/metrics port
	StatsInterval time.Duration // dlq-monitor topic depth polling
}

type Worker struct {
	Concurrency     int           // Independent dispatch loops
	PollInterval    time.Duration // Sleep when the queue is empty
	MaxRetries      int           // Retry ceiling given to new tasks
	ExecutorTimeout time.Duration // Caller-side deadline per attempt, 0 = none
	CallbackTimeout time.Duration // HTTP timeout for outcome callbacks
	BacklogInterval time.Duration // Queue depth sampling interval
	HTTPPort        string        // Worker health/metrics port
}

type Executor struct {
	Mode       string        // "remote" or "fake"
	BaseURL    string        // Scraping service base URL for remote mode
	Timeout    time.Duration // HTTP timeout talking to the scraping service
	JobTypes   []string      // Tags registered at startup
	FailFirstN int           // fake mode: failures before success, per task
}

type API struct {
	HTTPPort     string        // :8080
	GRPCPort     string        // :50051
	RateLimit    int           // Requests per window per client
	RateWindow   time.Duration // Rate limit window
	JWTPublicKey string        // PEM; empty disables auth
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of callbacks to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	Redis        Redis
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Executor     Executor
	API          API
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getenvMinInt is getenvInt that falls back to def below floor.
func getenvMinInt(key string, def, floor int) int {
	if v := getenvInt(key, def); v >= floor {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvSeconds accepts either a Go duration ("300s", "5m") or a bare number of seconds.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func parseList(s string, def []string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// redisURL honours the REDISHOST/REDISPORT/REDISPASSWORD/REDIS_DB variables
// when REDIS_URL is not given.
func redisURL() string {
	if v := os.Getenv("REDIS_URL"); v != "" {
		return v
	}
	host := getenv("REDISHOST", "localhost")
	port := getenv("REDISPORT", "6379")
	db := getenv("REDIS_DB", "0")
	if pw := os.Getenv("REDISPASSWORD"); pw != "" {
		return fmt.Sprintf("redis://:%s@%s:%s/%s", pw, host, port, db)
	}
	return fmt.Sprintf("redis://%s:%s/%s", host, port, db)
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "scrapehook"),
		Redis: Redis{
			URL:            redisURL(),
			RetryAttempts:  getenvInt("REDIS_RETRY_ATTEMPTS", 3),
			RetryInterval:  getenvDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
			ConnectTimeout: getenvDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
			QueueName:      getenv("QUEUE_NAME", "cmf_tasks"),
			DLQName:        getenv("DLQ_NAME", "cmf_dlq"),
			DedupPrefix:    getenv("DEDUP_PREFIX", "dedup:"),
			DedupTTL:       getenvSeconds("DEDUP_TTL", 300*time.Second),
		},
		DB: DB{
			Enabled: getenvBool("JOURNAL_ENABLED", os.Getenv("DB_HOST") != ""),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "scrapehook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:  getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:      getenv("NSQ_DLQ_TOPIC", "scrape_tasks_dlq"),
			DLQChannel:    getenv("NSQ_DLQ_CHANNEL", "monitor"),
			PublishDLQ:    getenvBool("PUBLISH_DLQ_TOPIC", false),
			MonitorPort:   ":" + getenv("DLQ_MONITOR_PORT", "8084"),
			StatsInterval: getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 1),
			PollInterval:    getenvDuration("POLL_INTERVAL", time.Second),
			MaxRetries:      getenvMinInt("MAX_RETRIES", 3, 1),
			ExecutorTimeout: getenvDuration("EXECUTOR_TIMEOUT", 0),
			CallbackTimeout: getenvDuration("CALLBACK_TIMEOUT", 15*time.Second),
			BacklogInterval: getenvDuration("BACKLOG_INTERVAL", 15*time.Second),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Executor: Executor{
			Mode:       strings.ToLower(getenv("EXECUTOR_MODE", "remote")),
			BaseURL:    strings.TrimRight(getenv("SCRAPER_BASE_URL", "http://scraper:8000"), "/"),
			Timeout:    getenvDuration("SCRAPER_TIMEOUT", 3*time.Minute),
			JobTypes:   parseList(getenv("JOB_TYPES", ""), []string{"cmf", "afc", "sii"}),
			FailFirstN: getenvInt("FAKE_FAIL_FIRST_N", 0),
		},
		API: API{
			HTTPPort:     getenv("HTTP_PORT", ":8080"),
			GRPCPort:     getenv("GRPC_PORT", ":50051"),
			RateLimit:    getenvInt("RATE_LIMIT_TIMES_SCRAPE", 10),
			RateWindow:   getenvSeconds("RATE_LIMIT_SECONDS_SCRAPE", 60*time.Second),
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "scrapehook"),
			JWTAudience:  getenv("JWT_AUDIENCE", "scrapehook-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
