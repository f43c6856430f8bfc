package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Static fields are read once at startup; the refill tunables live behind a
// lock so they can be hot-applied by the .env watcher (see watch.go).
type Config struct {
	// HTTP server
	ServerPort string

	// MySQL (beat catalog)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka配置
	KafkaBrokers      []string
	RecBeatsTopic     string
	RefillTopic       string
	RecConsumerGroup  string
	RefillGroup       string
	KafkaFetchBackoff time.Duration

	// 冷启动兜底的点赞种子：用户既没有点赞也没有选过风格时用它生成
	RefillSeedLikes []string

	// MinIO (beat audio and cover objects)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// JWT secret used to verify gateway-issued tokens. Issuance is not ours.
	JWTSecret string

	// Recommendation engine
	BatchSize      int
	MinGenres      int
	MaxGenres      int
	MaxQueueSize   int
	SimilarTopN    int
	SimilarTTL     time.Duration
	CatalogRefresh time.Duration

	// Janitor
	JanitorInterval time.Duration
	CleanupInterval time.Duration

	mu     sync.RWMutex
	refill RefillSettings
}

// RefillSettings are the hot-reloadable refill knobs.
type RefillSettings struct {
	Threshold int
	Count     int
	Cooldown  time.Duration
}

// Refill returns a copy of the current refill settings.
func (c *Config) Refill() RefillSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refill
}

// SetRefill replaces the refill settings.
func (c *Config) SetRefill(s RefillSettings) {
	c.mu.Lock()
	c.refill = s
	c.mu.Unlock()
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvSeconds reads an integer number of seconds into a time.Duration.
func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "fm_rec"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库

		// Kafka配置
		KafkaBrokers:      strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		RecBeatsTopic:     getEnv("REC_BEATS_TOPIC", "rec_beats_topic2"),
		RefillTopic:       getEnv("REFILL_TOPIC", "rec_refill_requests"),
		RecConsumerGroup:  getEnv("REC_CONSUMER_GROUP", "rec_service_group"),
		RefillGroup:       getEnv("REFILL_CONSUMER_GROUP", "refill_service_group"),
		KafkaFetchBackoff: getEnvSeconds("KAFKA_FETCH_BACKOFF_SECONDS", 3),
		RefillSeedLikes:   strings.Split(getEnv("REFILL_SEED_LIKES", "56,70,82"), ","),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "beats"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		JWTSecret: getEnv("JWT_SECRET", "1qfm-dev-secret"),

		BatchSize:      getEnvInt("BATCH_SIZE", 9),
		MinGenres:      getEnvInt("MIN_GENRES", 1),
		MaxGenres:      getEnvInt("MAX_GENRES", 3),
		MaxQueueSize:   getEnvInt("MAX_RECOMMENDATIONS", 200),
		SimilarTopN:    getEnvInt("SIMILAR_TOP_N", 10),
		SimilarTTL:     getEnvSeconds("SIMILAR_CACHE_TTL_SECONDS", 7*24*3600),
		CatalogRefresh: getEnvSeconds("CATALOG_REFRESH_SECONDS", 24*3600),

		JanitorInterval: getEnvSeconds("JANITOR_INTERVAL_SECONDS", 60),
		CleanupInterval: getEnvSeconds("CLEANUP_INTERVAL_SECONDS", 3600),
	}
	cfg.refill = loadRefillSettings()
	return cfg
}

// loadRefillSettings reads the hot-reloadable knobs from the environment.
func loadRefillSettings() RefillSettings {
	return RefillSettings{
		Threshold: getEnvInt("REFILL_THRESHOLD", 5),
		Count:     getEnvInt("REFILL_COUNT", 9),
		Cooldown:  getEnvSeconds("REFILL_COOLDOWN_SECONDS", 300),
	}
}
