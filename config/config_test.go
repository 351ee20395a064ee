package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Logging.Enabled {
		t.Fatalf("logging.enabled=%v, want true", cfg.Logging.Enabled)
	}
	if cfg.Logging.Redaction.Mask != "***REDACTED***" {
		t.Fatalf("logging.redaction.mask=%q, want ***REDACTED***", cfg.Logging.Redaction.Mask)
	}
	if cfg.Logging.Truncate.RequestBytes != 20000 {
		t.Fatalf("logging.truncate.request_bytes=%d, want 20000", cfg.Logging.Truncate.RequestBytes)
	}
	if cfg.Logging.Truncate.ResponseBytes != 40000 {
		t.Fatalf("logging.truncate.response_bytes=%d, want 40000", cfg.Logging.Truncate.ResponseBytes)
	}
	if cfg.Logging.Truncate.ChunkChars != 2000 {
		t.Fatalf("logging.truncate.chunk_chars=%d, want 2000", cfg.Logging.Truncate.ChunkChars)
	}
	if !cfg.Logging.Stream.StoreChunks || cfg.Logging.Stream.MaxChunks != 500 {
		t.Fatalf("logging.stream=%+v, want store_chunks=true max_chunks=500", cfg.Logging.Stream)
	}
	if cfg.Logging.Prune.Days != 30 {
		t.Fatalf("logging.prune.days=%d, want 30", cfg.Logging.Prune.Days)
	}
	if cfg.Usage.SuccessSampleRate != 1.0 {
		t.Fatalf("usage.success_sample_rate=%f, want 1.0", cfg.Usage.SuccessSampleRate)
	}
	if cfg.Usage.Rounding != RoundingBankers {
		t.Fatalf("usage.rounding=%q, want %q", cfg.Usage.Rounding, RoundingBankers)
	}
	if !cfg.Usage.EstimateMissing {
		t.Fatalf("usage.estimate_missing=%v, want true", cfg.Usage.EstimateMissing)
	}
	if cfg.Pricing.CacheTTL().Seconds() != 300 {
		t.Fatalf("pricing cache ttl=%s, want 5m", cfg.Pricing.CacheTTL())
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Queue.Enabled {
		t.Fatalf("queue.enabled=%v, want false", cfg.Queue.Enabled)
	}
	if cfg.Queue.Name != "ai-usage-logs" {
		t.Fatalf("queue.name=%q, want ai-usage-logs", cfg.Queue.Name)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.ServiceName != "usagelog" {
		t.Fatalf("observability.otel.service_name=%q, want usagelog", cfg.Observability.OTel.ServiceName)
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "usagelog.yaml")
	configYAML := `logging:
  redaction:
    mask: "[hidden]"
  truncate:
    request_bytes: 4096
    response_bytes: 8192
  stream:
    store_chunks: false
usage:
  services:
    image: false
  success_sample_rate: 0.5
  rounding: ceil
pricing:
  cache_ttl_seconds: 60
  rules:
    - id: static-1
      provider: openai
      service_type: chat
      model_pattern: gpt-4o*
      unit: 1K_tokens
      input_cost_per_unit: "500"
      output_cost_per_unit: "1500"
      currency: USD
storage:
  driver: sqlite
  path: /tmp/custom.db
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("USAGELOG_TRUNCATE_REQUEST", "2048")
	t.Setenv("USAGELOG_USAGE_ROUNDING", "FLOOR")
	t.Setenv("USAGELOG_QUEUE", "true")
	t.Setenv("USAGELOG_STORAGE_PATH", "/tmp/env.db")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Logging.Redaction.Mask != "[hidden]" {
		t.Fatalf("logging.redaction.mask=%q, want yaml value", cfg.Logging.Redaction.Mask)
	}
	if cfg.Logging.Truncate.RequestBytes != 2048 {
		t.Fatalf("logging.truncate.request_bytes=%d, want 2048 (env override)", cfg.Logging.Truncate.RequestBytes)
	}
	if cfg.Logging.Truncate.ResponseBytes != 8192 {
		t.Fatalf("logging.truncate.response_bytes=%d, want 8192", cfg.Logging.Truncate.ResponseBytes)
	}
	if cfg.Logging.Truncate.ChunkChars != 2000 {
		t.Fatalf("logging.truncate.chunk_chars=%d, want default 2000", cfg.Logging.Truncate.ChunkChars)
	}
	if cfg.Logging.Stream.StoreChunks {
		t.Fatalf("logging.stream.store_chunks=%v, want false", cfg.Logging.Stream.StoreChunks)
	}
	if cfg.Usage.Rounding != RoundingFloor {
		t.Fatalf("usage.rounding=%q, want floor (env override)", cfg.Usage.Rounding)
	}
	if cfg.Usage.SuccessSampleRate != 0.5 {
		t.Fatalf("usage.success_sample_rate=%f, want 0.5", cfg.Usage.SuccessSampleRate)
	}
	if cfg.Usage.ServiceEnabled(ServiceImage) {
		t.Fatalf("usage image enabled=true, want false")
	}
	if !cfg.Usage.ServiceEnabled(ServiceChat) {
		t.Fatalf("usage chat enabled=false, want true (absent defaults on)")
	}
	if !cfg.Queue.Enabled {
		t.Fatalf("queue.enabled=%v, want true (env override)", cfg.Queue.Enabled)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Fatalf("storage.path=%q, want env override", cfg.Storage.Path)
	}
	if len(cfg.Pricing.Rules) != 1 {
		t.Fatalf("pricing.rules len=%d, want 1", len(cfg.Pricing.Rules))
	}
	rule := cfg.Pricing.Rules[0]
	if rule.ModelPattern != "gpt-4o*" || rule.InputCostPerUnit == nil || *rule.InputCostPerUnit != "500" {
		t.Fatalf("pricing.rules[0]=%+v, want gpt-4o* with input 500", rule)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "usagelog.yaml")
	if err := os.WriteFile(configPath, []byte("logging: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "usagelog.yaml")
	configYAML := `logging:
  enabled: true
  unknown_field: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error=%q, want mention of unknown_field", err.Error())
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "usagelog.yaml")
	configYAML := "logging:\n  enabled: true\n---\nlogging:\n  enabled: false\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected multi-document error")
	}
	if !strings.Contains(err.Error(), "multiple yaml documents are not supported") {
		t.Fatalf("error=%q, want multi-document message", err.Error())
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("USAGELOG_STREAM_MAX_CHUNKS", "lots")

	if _, err := Load(""); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want collector:4318", cfg.Observability.OTel.Endpoint)
	}
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default())=%v, want nil", err)
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "empty mask",
			mutate: func(c *Config) { c.Logging.Redaction.Mask = " " },
			want:   "mask",
		},
		{
			name:   "tiny request budget",
			mutate: func(c *Config) { c.Logging.Truncate.RequestBytes = 10 },
			want:   "request_bytes",
		},
		{
			name:   "sample rate above one",
			mutate: func(c *Config) { c.Usage.SuccessSampleRate = 1.5 },
			want:   "success_sample_rate",
		},
		{
			name:   "unknown rounding",
			mutate: func(c *Config) { c.Usage.Rounding = "stochastic" },
			want:   "usage.rounding",
		},
		{
			name:   "unknown service toggle",
			mutate: func(c *Config) { c.Usage.Services = map[string]bool{"telepathy": true} },
			want:   "telepathy",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.Driver = "postgres" },
			want:   "storage.dsn",
		},
		{
			name: "river on sqlite",
			mutate: func(c *Config) {
				c.Queue.Enabled = true
				c.Queue.Driver = QueueDriverRiver
			},
			want: "requires storage.driver=postgres",
		},
		{
			name: "pricing rule without pattern",
			mutate: func(c *Config) {
				c.Pricing.Rules = []PricingRuleConfig{{Provider: "openai"}}
			},
			want: "model_pattern",
		},
		{
			name: "otel without signals",
			mutate: func(c *Config) {
				c.Observability.OTel.Enabled = true
				c.Observability.OTel.TracesEnabled = false
				c.Observability.OTel.MetricsEnabled = false
			},
			want: "traces_enabled",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() error=nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error=%q, want substring %q", err.Error(), tt.want)
			}
		})
	}
}

func TestServiceEnabledHonorsGlobalSwitch(t *testing.T) {
	t.Parallel()

	usage := Default().Usage
	usage.Services = map[string]bool{ServiceChat: true}
	usage.Enabled = false
	if usage.ServiceEnabled(ServiceChat) {
		t.Fatal("ServiceEnabled(chat)=true with usage disabled, want false")
	}
}
