package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.MatchInitialRadiusM != 5000 || cfg.MatchMaxRounds != 3 || cfg.MatchTopK != 5 {
		t.Errorf("unexpected match defaults: %+v", cfg)
	}
	if cfg.FareQuoteTTL != 10*time.Minute || cfg.FareTolerance != 100 {
		t.Errorf("unexpected fare defaults: ttl=%s tolerance=%d", cfg.FareQuoteTTL, cfg.FareTolerance)
	}
	if cfg.PlatformFeeRate != 0.20 || cfg.PlatformAccount != "platform" {
		t.Errorf("unexpected settlement defaults: %+v", cfg)
	}
	if cfg.GeofenceApproachM != 2000 || cfg.GeofenceArriveM != 100 {
		t.Errorf("unexpected geofence defaults: %+v", cfg)
	}
	if cfg.FareSecret == "" {
		t.Error("fare secret must never be empty")
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("MATCH_TOP_K", "7")
	t.Setenv("MATCH_ROUND_TIMEOUT", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("PLATFORM_FEE_RATE", "0.25")
	t.Setenv("FARE_SECRET", "prod-secret")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.MatchTopK != 7 || cfg.MatchRoundTimeout != 30*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "k1:9092" || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.PlatformFeeRate != 0.25 {
		t.Errorf("fee rate = %v", cfg.PlatformFeeRate)
	}
	if cfg.FareSecret != "prod-secret" {
		t.Errorf("fare secret not taken from env")
	}
}

func TestLoadServerConfigAccumulatesErrors(t *testing.T) {
	t.Setenv("MATCH_ROUND_TIMEOUT", "soon")
	t.Setenv("MATCH_TOP_K", "0")
	t.Setenv("PLATFORM_FEE_RATE", "1.5")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
}
