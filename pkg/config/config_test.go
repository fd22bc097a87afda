package config

import (
	"reflect"
	"testing"
	"time"
)

func TestGetDurationAcceptsSecondsAndDurations(t *testing.T) {
	t.Setenv("TEST_DURATION", "90")
	if got := GetDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "1m30s")
	if got := GetDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := GetDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestGetListAndFloat(t *testing.T) {
	t.Setenv("TEST_LIST", " 1.0, ,1.1 ")
	if got := GetList("TEST_LIST", nil); !reflect.DeepEqual(got, []string{"1.0", "1.1"}) {
		t.Fatalf("unexpected list %v", got)
	}
	t.Setenv("TEST_LIST", " , ")
	if got := GetList("TEST_LIST", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("expected fallback for blank list, got %v", got)
	}
	t.Setenv("TEST_FLOAT", "0.75")
	if got := GetFloat("TEST_FLOAT", 0.5); got != 0.75 {
		t.Fatalf("unexpected float %v", got)
	}
	t.Setenv("TEST_FLOAT", "high")
	if got := GetFloat("TEST_FLOAT", 0.5); got != 0.5 {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SUPPORTED_SCHEMA_VERSIONS", "1.0,1.1")
	t.Setenv("CORRELATION_LOOKBACK_SECONDS", "120")
	t.Setenv("MAX_BATCH_SIZE", "10")

	cfg := LoadServerConfig()
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("unexpected driver %q", cfg.StoreDriver)
	}
	if !reflect.DeepEqual(cfg.SchemaVersions, []string{"1.0", "1.1"}) {
		t.Fatalf("unexpected schema versions %v", cfg.SchemaVersions)
	}
	if cfg.CorrelationLookback != 2*time.Minute || cfg.MaxBatchSize != 10 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.KeywordThreshold != 0.5 || cfg.MinKeywordLength != 3 {
		t.Fatalf("unexpected correlation defaults %+v", cfg)
	}
}
