package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr           string
	DBDSN          string
	RedisAddr      string
	JWTSecret      string
	TypingDebounce time.Duration
}

func Load() Config {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	debounce := 2 * time.Second
	if v := os.Getenv("TYPING_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			debounce = time.Duration(ms) * time.Millisecond
		}
	}

	return Config{
		Addr:           addr,
		DBDSN:          os.Getenv("DB_DSN"),
		RedisAddr:      redisAddr,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		TypingDebounce: debounce,
	}
}
