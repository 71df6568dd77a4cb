package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database defaults: %+v", cfg)
	}
	if cfg.Collab.CompactionThreshold != 50 || cfg.Collab.Debounce != 100*time.Millisecond {
		testContext.Fatalf("unexpected collab defaults: %+v", cfg.Collab)
	}
	if cfg.Presence.ActiveWindow != 30*time.Second || cfg.Presence.StaleWindow != 60*time.Second {
		testContext.Fatalf("unexpected presence windows: %+v", cfg.Presence)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		testContext.Fatalf("expected kafka disabled by default, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadSplitsBrokerList(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("kafka.brokers", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		testContext.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsInvalidSettings(testContext *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		expected string
	}{
		{name: "missing secret", settings: map[string]any{}, expected: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, expected: "database.driver"},
		{name: "mysql without dsn", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, expected: "database.dsn"},
		{name: "inverted presence windows", settings: map[string]any{"auth.signing_secret": "s", "presence.stale_window": "10s"}, expected: "presence.stale_window"},
		{name: "unknown presence backend", settings: map[string]any{"auth.signing_secret": "s", "presence.backend": "memcached"}, expected: "presence.backend"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				testContext.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}
