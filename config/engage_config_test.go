package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEngineNullableDefaults(t *testing.T) {
	t.Setenv("WEIGHT_EMAIL_CAPTURED", "15")
	t.Setenv("CALL_QUEUE_GOLD_LABEL_PRIORITY", "8")

	cfg, err := LoadEngine()
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}
	if cfg.WeightEmailCaptured == nil || *cfg.WeightEmailCaptured != 15 {
		t.Errorf("WeightEmailCaptured = %v, want 15", cfg.WeightEmailCaptured)
	}
	if cfg.WeightMobileCaptured != nil {
		t.Errorf("WeightMobileCaptured = %v, want nil when unset", *cfg.WeightMobileCaptured)
	}
	if cfg.GreenTagPriority != nil {
		t.Error("GreenTagPriority should be nil when unset")
	}
	if cfg.AutoResolveThreads || cfg.AutoEnqueueEligible {
		t.Error("feature flags must default to off")
	}
	if cfg.ScoreCacheTTL != 5*time.Minute {
		t.Errorf("ScoreCacheTTL = %v, want 5m", cfg.ScoreCacheTTL)
	}

	missing := cfg.MissingKeys()
	for _, key := range missing {
		if key == "WEIGHT_EMAIL_CAPTURED" || key == "CALL_QUEUE_GOLD_LABEL_PRIORITY" {
			t.Errorf("%s reported missing although set", key)
		}
	}
	if len(missing) != 8 {
		t.Errorf("MissingKeys() = %v, want 8 entries", missing)
	}
}

func TestLoadEngineProfileFillsUnsetOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoring.yaml")
	profile := `
weights:
  recency: 30
  timing: 10
thresholds:
  call_now: 85
  archive: 15
max_touches: 7
timezone: America/Chicago
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCORING_PROFILE_PATH", path)
	t.Setenv("SCORING_THRESHOLD_CALL_NOW", "90")

	cfg, err := LoadEngine()
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"env wins over file", *cfg.ThresholdCallNow, 90},
		{"file fills archive", *cfg.ThresholdArchive, 15},
		{"file fills recency weight", *cfg.ScoringWeightRecency, 30.0},
		{"file fills max touches", *cfg.MaxTouches, 7},
		{"file fills timezone", cfg.Timezone, "America/Chicago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.ThresholdSendSMS != nil {
		t.Error("send_sms threshold should remain unset")
	}
}

func TestLoadEngineRejectsBadTimezone(t *testing.T) {
	t.Setenv("SCORING_TIMEZONE", "Mars/Olympus")
	if _, err := LoadEngine(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{StoreBackend: StoreMemory, NodeID: 1}},
		{name: "durable without urls", cfg: Config{StoreBackend: StoreDurable}, wantErr: true},
		{name: "durable complete", cfg: Config{StoreBackend: StoreDurable, DatabaseURL: "postgres://x", RedisURL: "redis://x", MongoDBURL: "mongodb://x"}},
		{name: "unknown backend", cfg: Config{StoreBackend: "sqlite"}, wantErr: true},
		{name: "node out of range", cfg: Config{StoreBackend: StoreMemory, NodeID: 4096}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := &Config{
		DatabaseURL:           "postgres://u:p@db/engage",
		RedisURL:              "redis://:pw@cache:6379",
		TelephonyClientSecret: "s3cret",
		TelephonyClientID:     "client",
	}
	r := cfg.Redacted()
	if r.DatabaseURL != "***" || r.RedisURL != "***" || r.TelephonyClientSecret != "***" {
		t.Errorf("redacted = %+v", r)
	}
	if r.MongoDBURL != "" {
		t.Error("empty value was masked")
	}
	if r.TelephonyClientID != "client" || cfg.DatabaseURL == "***" {
		t.Error("Redacted changed the wrong fields")
	}
}
