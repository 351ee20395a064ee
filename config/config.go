package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Service names accepted by usage toggles and pricing rules.
const (
	ServiceChat   = "chat"
	ServiceImage  = "image"
	ServiceAudio  = "audio"
	ServiceMusic  = "music"
	ServiceSearch = "search"
	ServiceVideo  = "video"
)

var knownServices = []string{ServiceChat, ServiceImage, ServiceAudio, ServiceMusic, ServiceSearch, ServiceVideo}

// Rounding modes for cost calculation.
const (
	RoundingBankers = "bankers"
	RoundingHalfUp  = "round"
	RoundingCeil    = "ceil"
	RoundingFloor   = "floor"
)

const (
	QueueDriverMemory = "memory"
	QueueDriverRiver  = "river"
)

type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Usage         UsageConfig         `yaml:"usage"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Storage       StorageConfig       `yaml:"storage"`
	Queue         QueueConfig         `yaml:"queue"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LoggingConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Redaction RedactionConfig `yaml:"redaction"`
	Truncate  TruncateConfig  `yaml:"truncate"`
	Stream    StreamConfig    `yaml:"stream"`
	Prune     PruneConfig     `yaml:"prune"`
}

type RedactionConfig struct {
	Mask string `yaml:"mask"`
}

// TruncateConfig bounds persisted payloads. Request and response budgets
// are measured in bytes of serialized JSON; chunk budgets in characters.
type TruncateConfig struct {
	RequestBytes  int `yaml:"request_bytes"`
	ResponseBytes int `yaml:"response_bytes"`
	ChunkChars    int `yaml:"chunk_chars"`
}

type StreamConfig struct {
	StoreChunks bool `yaml:"store_chunks"`
	MaxChunks   int  `yaml:"max_chunks"`
}

type PruneConfig struct {
	Enabled bool `yaml:"enabled"`
	Days    int  `yaml:"days"`
}

type UsageConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Services          map[string]bool `yaml:"services"`
	SuccessSampleRate float64         `yaml:"success_sample_rate"`
	EstimateMissing   bool            `yaml:"estimate_missing"`
	StoreProviderRaw  bool            `yaml:"store_provider_raw"`
	Rounding          string          `yaml:"rounding"`
}

// ServiceEnabled reports whether usage metrics are collected for service.
// Services absent from the map default to enabled.
func (c UsageConfig) ServiceEnabled(service string) bool {
	if !c.Enabled {
		return false
	}
	enabled, ok := c.Services[strings.ToLower(strings.TrimSpace(service))]
	if !ok {
		return true
	}
	return enabled
}

type PricingConfig struct {
	CacheTTLSeconds int                 `yaml:"cache_ttl_seconds"`
	Rules           []PricingRuleConfig `yaml:"rules"`
}

func (c PricingConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// PricingRuleConfig declares a static pricing rule. Costs are cents per unit.
type PricingRuleConfig struct {
	ID                string              `yaml:"id"`
	Provider          string              `yaml:"provider"`
	ServiceType       string              `yaml:"service_type"`
	ModelPattern      string              `yaml:"model_pattern"`
	Unit              string              `yaml:"unit"`
	InputCostPerUnit  *string             `yaml:"input_cost_per_unit"`
	OutputCostPerUnit *string             `yaml:"output_cost_per_unit"`
	Currency          string              `yaml:"currency"`
	EffectiveAt       *time.Time          `yaml:"effective_at"`
	ExpiresAt         *time.Time          `yaml:"expires_at"`
	Tiers             []PricingTierConfig `yaml:"tiers"`
}

type PricingTierConfig struct {
	MinUnits          int64  `yaml:"min_units"`
	MaxUnits          *int64 `yaml:"max_units"`
	InputCostPerUnit  string `yaml:"input_cost_per_unit"`
	OutputCostPerUnit string `yaml:"output_cost_per_unit"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Driver      string `yaml:"driver"`
	Name        string `yaml:"name"`
	BufferSize  int    `yaml:"buffer_size"`
	MaxWorkers  int    `yaml:"max_workers"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "usagelog"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Enabled: true,
			Redaction: RedactionConfig{
				Mask: "***REDACTED***",
			},
			Truncate: TruncateConfig{
				RequestBytes:  20000,
				ResponseBytes: 40000,
				ChunkChars:    2000,
			},
			Stream: StreamConfig{
				StoreChunks: true,
				MaxChunks:   500,
			},
			Prune: PruneConfig{
				Enabled: true,
				Days:    30,
			},
		},
		Usage: UsageConfig{
			Enabled:           true,
			Services:          map[string]bool{},
			SuccessSampleRate: 1.0,
			EstimateMissing:   true,
			StoreProviderRaw:  false,
			Rounding:          RoundingBankers,
		},
		Pricing: PricingConfig{
			CacheTTLSeconds: 300,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/usagelog.db",
		},
		Queue: QueueConfig{
			Enabled:     false,
			Driver:      QueueDriverMemory,
			Name:        "ai-usage-logs",
			BufferSize:  1024,
			MaxWorkers:  10,
			MaxAttempts: 5,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Usage.Services == nil {
		cfg.Usage.Services = map[string]bool{}
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Logging.Redaction.Mask) == "" {
		return errors.New("logging.redaction.mask must not be empty")
	}
	if cfg.Logging.Truncate.RequestBytes < 64 {
		return fmt.Errorf("logging.truncate.request_bytes must be >= 64 (got %d)", cfg.Logging.Truncate.RequestBytes)
	}
	if cfg.Logging.Truncate.ResponseBytes < 64 {
		return fmt.Errorf("logging.truncate.response_bytes must be >= 64 (got %d)", cfg.Logging.Truncate.ResponseBytes)
	}
	if cfg.Logging.Truncate.ChunkChars <= 0 {
		return fmt.Errorf("logging.truncate.chunk_chars must be > 0 (got %d)", cfg.Logging.Truncate.ChunkChars)
	}
	if cfg.Logging.Stream.MaxChunks < 0 {
		return fmt.Errorf("logging.stream.max_chunks must be >= 0 (got %d)", cfg.Logging.Stream.MaxChunks)
	}
	if cfg.Logging.Prune.Enabled && cfg.Logging.Prune.Days <= 0 {
		return fmt.Errorf("logging.prune.days must be > 0 when pruning is enabled (got %d)", cfg.Logging.Prune.Days)
	}

	if rate := cfg.Usage.SuccessSampleRate; rate < 0 || rate > 1 {
		return fmt.Errorf("usage.success_sample_rate must be between 0 and 1 (got %f)", rate)
	}
	for service := range cfg.Usage.Services {
		if !isKnownService(service) {
			return fmt.Errorf("usage.services has unknown service %q (want one of %s)", service, strings.Join(knownServices, ", "))
		}
	}
	switch cfg.Usage.Rounding {
	case RoundingBankers, RoundingHalfUp, RoundingCeil, RoundingFloor:
	default:
		return fmt.Errorf("usage.rounding must be one of bankers, round, ceil, floor (got %q)", cfg.Usage.Rounding)
	}

	if cfg.Pricing.CacheTTLSeconds < 0 {
		return fmt.Errorf("pricing.cache_ttl_seconds must be >= 0 (got %d)", cfg.Pricing.CacheTTLSeconds)
	}
	if err := validatePricingRules(cfg.Pricing.Rules); err != nil {
		return err
	}

	switch driver := strings.TrimSpace(cfg.Storage.Driver); driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateQueue(cfg.Queue, cfg.Storage); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateQueue(cfg QueueConfig, storage StorageConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Driver {
	case QueueDriverMemory:
		if cfg.BufferSize <= 0 {
			return fmt.Errorf("queue.buffer_size must be > 0 (got %d)", cfg.BufferSize)
		}
	case QueueDriverRiver:
		if strings.TrimSpace(storage.Driver) != "postgres" {
			return errors.New("queue.driver=river requires storage.driver=postgres")
		}
		if cfg.MaxWorkers <= 0 {
			return fmt.Errorf("queue.max_workers must be > 0 (got %d)", cfg.MaxWorkers)
		}
		if cfg.MaxAttempts <= 0 {
			return fmt.Errorf("queue.max_attempts must be > 0 (got %d)", cfg.MaxAttempts)
		}
	default:
		return fmt.Errorf("queue.driver must be one of memory, river (got %q)", cfg.Driver)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("queue.name must not be empty")
	}
	return nil
}

func validatePricingRules(rules []PricingRuleConfig) error {
	for idx, rule := range rules {
		name := fmt.Sprintf("pricing.rules[%d]", idx)
		if strings.TrimSpace(rule.Provider) == "" {
			return fmt.Errorf("%s.provider is required", name)
		}
		if strings.TrimSpace(rule.ModelPattern) == "" {
			return fmt.Errorf("%s.model_pattern is required", name)
		}
		if service := strings.TrimSpace(rule.ServiceType); service != "" && !isKnownService(service) {
			return fmt.Errorf("%s.service_type has unknown service %q", name, rule.ServiceType)
		}
		if rule.EffectiveAt != nil && rule.ExpiresAt != nil && !rule.ExpiresAt.After(*rule.EffectiveAt) {
			return fmt.Errorf("%s.expires_at must be after effective_at", name)
		}
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		parsed, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
		if err != nil {
			return fmt.Errorf("parse observability.otel.endpoint: %w", err)
		}
		if strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("observability.otel.endpoint must include host (got %q)", cfg.Endpoint)
		}
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func isKnownService(service string) bool {
	service = strings.ToLower(strings.TrimSpace(service))
	for _, known := range knownServices {
		if service == known {
			return true
		}
	}
	return false
}

func applyEnv(cfg *Config) error {
	if enabled := os.Getenv("USAGELOG_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid USAGELOG_ENABLED: %w", err)
		}
		cfg.Logging.Enabled = v
	}
	if mask := os.Getenv("USAGELOG_REDACTION_MASK"); mask != "" {
		cfg.Logging.Redaction.Mask = mask
	}
	if err := envInt("USAGELOG_TRUNCATE_REQUEST", &cfg.Logging.Truncate.RequestBytes); err != nil {
		return err
	}
	if err := envInt("USAGELOG_TRUNCATE_RESPONSE", &cfg.Logging.Truncate.ResponseBytes); err != nil {
		return err
	}
	if err := envInt("USAGELOG_TRUNCATE_CHUNK", &cfg.Logging.Truncate.ChunkChars); err != nil {
		return err
	}
	if storeChunks := os.Getenv("USAGELOG_STREAM_STORE_CHUNKS"); storeChunks != "" {
		v, err := strconv.ParseBool(storeChunks)
		if err != nil {
			return fmt.Errorf("invalid USAGELOG_STREAM_STORE_CHUNKS: %w", err)
		}
		cfg.Logging.Stream.StoreChunks = v
	}
	if err := envInt("USAGELOG_STREAM_MAX_CHUNKS", &cfg.Logging.Stream.MaxChunks); err != nil {
		return err
	}
	if err := envInt("USAGELOG_PRUNE_DAYS", &cfg.Logging.Prune.Days); err != nil {
		return err
	}

	if usageEnabled := os.Getenv("USAGELOG_USAGE_ENABLED"); usageEnabled != "" {
		v, err := strconv.ParseBool(usageEnabled)
		if err != nil {
			return fmt.Errorf("invalid USAGELOG_USAGE_ENABLED: %w", err)
		}
		cfg.Usage.Enabled = v
	}
	if rate := strings.TrimSpace(os.Getenv("USAGELOG_USAGE_SAMPLE_RATE")); rate != "" {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return fmt.Errorf("invalid USAGELOG_USAGE_SAMPLE_RATE: %w", err)
		}
		cfg.Usage.SuccessSampleRate = v
	}
	if rounding := strings.TrimSpace(os.Getenv("USAGELOG_USAGE_ROUNDING")); rounding != "" {
		cfg.Usage.Rounding = strings.ToLower(rounding)
	}

	if storageDriver := os.Getenv("USAGELOG_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("USAGELOG_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("USAGELOG_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if queueEnabled := os.Getenv("USAGELOG_QUEUE"); queueEnabled != "" {
		v, err := strconv.ParseBool(queueEnabled)
		if err != nil {
			return fmt.Errorf("invalid USAGELOG_QUEUE: %w", err)
		}
		cfg.Queue.Enabled = v
	}
	if queueDriver := os.Getenv("USAGELOG_QUEUE_DRIVER"); queueDriver != "" {
		cfg.Queue.Driver = queueDriver
	}
	if queueName := os.Getenv("USAGELOG_QUEUE_NAME"); queueName != "" {
		cfg.Queue.Name = queueName
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func envInt(name string, target *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}
