package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaEventTopic string

	PGDSN string

	// Matching
	MatchInitialRadiusM float64
	MatchGrowthFactor   float64
	MatchMaxRounds      int
	MatchRoundTimeout   time.Duration
	MatchTopK           int

	// Fare
	FareSecret           string
	FareQuoteTTL         time.Duration
	FareTolerance        int64
	FareMaxDivergencePct float64
	FareBase             int64
	FarePerKm            int64
	FarePerMin           int64
	FareMin              int64
	FareMax              int64
	FareCurrency         string
	FareSurge            float64

	// Geofence
	GeofenceApproachM float64
	GeofenceArriveM   float64
	GeofenceFreshness time.Duration

	// Settlement
	PlatformAccount string
	PlatformFeeRate float64

	DefaultSpeedMps float64
	PushEndpoint    string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		KafkaEventTopic: "ride-events",

		MatchInitialRadiusM: 5000,
		MatchGrowthFactor:   1.5,
		MatchMaxRounds:      3,
		MatchRoundTimeout:   15 * time.Second,
		MatchTopK:           5,

		FareQuoteTTL:         10 * time.Minute,
		FareTolerance:        100,
		FareMaxDivergencePct: 0.15,
		FareBase:             500,
		FarePerKm:            150,
		FarePerMin:           15,
		FareMin:              500,
		FareMax:              1_000_000,
		FareCurrency:         "NGN",
		FareSurge:            1.0,

		GeofenceApproachM: 2000,
		GeofenceArriveM:   100,
		GeofenceFreshness: 30 * time.Second,

		PlatformAccount: "platform",
		PlatformFeeRate: 0.20,

		DefaultSpeedMps: 10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.MatchInitialRadiusM, "MATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MatchGrowthFactor, "MATCH_GROWTH_FACTOR", &errs)
	setIntFromEnv(&cfg.MatchMaxRounds, "MATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.MatchRoundTimeout, "MATCH_ROUND_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MatchTopK, "MATCH_TOP_K", &errs)

	cfg.FareSecret = os.Getenv("FARE_SECRET")
	setDurationFromEnv(&cfg.FareQuoteTTL, "FARE_QUOTE_TTL", &errs)
	setInt64FromEnv(&cfg.FareTolerance, "FARE_TOLERANCE", &errs)
	setFloatFromEnv(&cfg.FareMaxDivergencePct, "FARE_MAX_DIVERGENCE_PCT", &errs)
	setInt64FromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setInt64FromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setInt64FromEnv(&cfg.FarePerMin, "FARE_PER_MIN", &errs)
	setInt64FromEnv(&cfg.FareMin, "FARE_MIN", &errs)
	setInt64FromEnv(&cfg.FareMax, "FARE_MAX", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")
	setFloatFromEnv(&cfg.FareSurge, "FARE_SURGE", &errs)

	setFloatFromEnv(&cfg.GeofenceApproachM, "GEOFENCE_APPROACH_M", &errs)
	setFloatFromEnv(&cfg.GeofenceArriveM, "GEOFENCE_ARRIVE_M", &errs)
	setDurationFromEnv(&cfg.GeofenceFreshness, "GEOFENCE_FRESHNESS", &errs)

	setStringFromEnv(&cfg.PlatformAccount, "PLATFORM_ACCOUNT")
	setFloatFromEnv(&cfg.PlatformFeeRate, "PLATFORM_FEE_RATE", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatchTopK <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOP_K must be > 0"))
	}
	if cfg.MatchGrowthFactor < 1 {
		errs = append(errs, fmt.Errorf("MATCH_GROWTH_FACTOR must be >= 1"))
	}
	if cfg.FareSecret == "" {
		cfg.FareSecret = "dev-only-fare-secret"
	}
	if cfg.PlatformFeeRate < 0 || cfg.PlatformFeeRate >= 1 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_RATE must be in [0,1)"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
