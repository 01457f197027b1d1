package main

import (
	"os"
	"strconv"
	"time"

	"github.com/example/geoquery/internal/geo"
)

type appConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	RedisAddr   string
	RedisPrefix string
	PebbleDir   string
	NATSURL     string
	NATSSubject string
	JWTSecret   string

	RateWriteRPS   float64
	RateWriteBurst float64

	CleanupThreshold int
	CleanupDelay     time.Duration
	SweepInterval    time.Duration
	StreamBuffer     int

	Watch *watchConfig
}

// watchConfig describes the standing query relayed to NATS.
type watchConfig struct {
	Center   geo.Point
	RadiusKM float64
}

func loadConfig() appConfig {
	cfg := appConfig{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:         getenv("GRPC_ADDR", ":9090"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPrefix:      getenv("REDIS_PREFIX", "geoquery"),
		PebbleDir:        getenv("PEBBLE_DIR", "data/locations"),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSSubject:      getenv("NATS_SUBJECT", "geoquery.events"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		RateWriteRPS:     parseFloatEnv("RATE_WRITE_RPS", 0),
		RateWriteBurst:   parseFloatEnv("RATE_WRITE_BURST", 20),
		CleanupThreshold: parseIntEnv("QUERY_CLEANUP_THRESHOLD", 25),
		CleanupDelay:     parseDurationEnv("QUERY_CLEANUP_DELAY", 10*time.Millisecond),
		SweepInterval:    parseDurationEnv("QUERY_SWEEP_INTERVAL", 10*time.Millisecond),
		StreamBuffer:     parseIntEnv("STREAM_BUFFER", 256),
	}
	lat, latOK := lookupFloatEnv("WATCH_LAT")
	lng, lngOK := lookupFloatEnv("WATCH_LNG")
	radius, radiusOK := lookupFloatEnv("WATCH_RADIUS_KM")
	if latOK && lngOK && radiusOK {
		cfg.Watch = &watchConfig{Center: geo.Point{Lat: lat, Lng: lng}, RadiusKM: radius}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v, ok := lookupFloatEnv(key); ok {
		return v
	}
	return fallback
}

func lookupFloatEnv(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
