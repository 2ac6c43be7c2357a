package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	DefaultBranchID      string
	QuantityPrecision    int32
	RatePrecision        int32
	CurrencyPrecision    int32
	NegativeStockPolicy  string
	LockTTLSeconds       int
	StockCacheTTLSeconds int
	IdentitySecret       string
	LogLevel             string
}

// Load reads the process environment. A .env file in the working directory
// is applied first when present; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		DefaultBranchID:      getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		QuantityPrecision:    getPrecision("QUANTITY_PRECISION", 6),
		RatePrecision:        getPrecision("RATE_PRECISION", 6),
		CurrencyPrecision:    getPrecision("CURRENCY_PRECISION", 2),
		NegativeStockPolicy:  strings.ToLower(getEnv("NEGATIVE_STOCK_POLICY", "reject")),
		LockTTLSeconds:       getPositiveInt("LOCK_TTL_SECONDS", 15),
		StockCacheTTLSeconds: getPositiveInt("STOCK_CACHE_TTL_SECONDS", 60),
		IdentitySecret:       strings.TrimSpace(os.Getenv("IDENTITY_SECRET")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) StockCacheTTL() time.Duration {
	return time.Duration(c.StockCacheTTLSeconds) * time.Second
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(c Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getPrecision(key string, fallback int32) int32 {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(int(fallback))))
	if err != nil || val < 0 || val > 18 {
		return fallback
	}
	return int32(val)
}
