package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ongoingai/usagelog"
	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/driver"
	"github.com/ongoingai/usagelog/internal/pricing"
	"github.com/ongoingai/usagelog/internal/sink"
	"github.com/ongoingai/usagelog/internal/trace"
	"github.com/ongoingai/usagelog/migrations"
)

const defaultDoctorFormat = "text"

const doctorCheckTimeout = 5 * time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

const (
	doctorProbeProvider = "openai"
	doctorProbeModel    = "gpt-4o-mini"
	doctorProbeActor    = "usagelog-doctor"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")
	probe := flagSet.Bool("probe", false, "Record a synthetic chat call and read it back from storage")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath), *probe)
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string, probe bool) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 5),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary := "config is invalid"
		skipped := "skipped: config validation failed"
		if stage == configStageLoad {
			summary = "failed to load config"
			skipped = "skipped: config failed to load"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", skipped),
			doctorSkippedCheck("pricing", skipped),
			doctorSkippedCheck("queue", skipped),
			doctorSkippedCheck("probe", skipped),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})

	store, err := trace.Open(cfg.Storage)
	if err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "storage",
				Status:  doctorStatusFail,
				Summary: "failed to initialize usage log storage",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("pricing", "skipped: storage unavailable"),
			runDoctorQueueCheck(cfg),
			doctorSkippedCheck("probe", "skipped: storage unavailable"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg, store))
	doc.Checks = append(doc.Checks, runDoctorPricingCheck(cfg, store))
	doc.Checks = append(doc.Checks, runDoctorQueueCheck(cfg))
	if closeErr := store.Close(); closeErr != nil {
		doc.Checks[1].Status = doctorStatusWarn
		doc.Checks[1].Details = append(doc.Checks[1].Details, fmt.Sprintf("close trace store: %v", closeErr))
	}

	if probe {
		doc.Checks = append(doc.Checks, runDoctorProbeCheck(cfg))
	} else {
		doc.Checks = append(doc.Checks, doctorSkippedCheck("probe", "skipped: pass --probe to record a synthetic call"))
	}
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config, store trace.DBStore) doctorCheck {
	check := doctorCheck{Name: "storage", Status: doctorStatusPass}
	switch driverName := strings.TrimSpace(cfg.Storage.Driver); driverName {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite usage log storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case "postgres":
		check.Summary = "connected to postgres usage log storage"
	default:
		check.Summary = "connected to usage log storage"
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	status, err := migrations.Status(ctx, store.DB(), cfg.Storage.Driver)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to read migration status"
		check.Details = append(check.Details, err.Error())
		return check
	}
	var pending []string
	for _, migration := range status {
		if !migration.Applied {
			pending = append(pending, migration.Name)
		}
	}
	if len(pending) > 0 {
		check.Status = doctorStatusWarn
		check.Details = append(check.Details, fmt.Sprintf("pending migrations: %s", strings.Join(pending, ", ")))
		return check
	}
	check.Details = append(check.Details, fmt.Sprintf("migrations applied: %d", len(status)))
	return check
}

func runDoctorPricingCheck(cfg config.Config, store trace.DBStore) doctorCheck {
	check := doctorCheck{Name: "pricing"}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, resolver, err := pricing.NewConfiguredCalculator(cfg, store.DB(), logger)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize pricing"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	doc, err := resolvePricing(ctx, resolver, cfg.Usage.Rounding, doctorProbeProvider, doctorProbeModel, config.ServiceChat, 1000, 1000)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "pricing rules could not be read"
		check.Details = []string{err.Error()}
		return check
	}
	check.Details = []string{
		fmt.Sprintf("static rules: %d", len(cfg.Pricing.Rules)),
		fmt.Sprintf("rounding: %s", cfg.Usage.Rounding),
	}
	if doc.Rule == nil {
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("no pricing rule matches %s %s; calls will be unpriced", doctorProbeProvider, doctorProbeModel)
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("resolved %s %s to %s", doctorProbeProvider, doctorProbeModel, doc.Rule.Source)
	if doc.Quote.TotalCostCents != nil {
		check.Details = append(check.Details, fmt.Sprintf("1000+1000 tokens cost %d %s cents", *doc.Quote.TotalCostCents, doc.Quote.Currency))
	}
	return check
}

func runDoctorQueueCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "queue", Status: doctorStatusPass}
	if !cfg.Queue.Enabled {
		check.Summary = "queue disabled; records are written synchronously"
		return check
	}
	switch cfg.Queue.Driver {
	case config.QueueDriverMemory:
		check.Summary = "in-memory queue; records still queued at exit are lost"
		check.Details = []string{fmt.Sprintf("buffer size: %d", cfg.Queue.BufferSize)}
	case config.QueueDriverRiver:
		ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
		defer cancel()
		pool, err := sink.OpenRiverPool(ctx, cfg.Storage.DSN)
		if err != nil {
			check.Status = doctorStatusFail
			check.Summary = "river queue database is unreachable"
			check.Details = []string{err.Error()}
			return check
		}
		pool.Close()
		check.Summary = "river queue reachable; run `usagelog worker` to drain it"
		check.Details = []string{
			fmt.Sprintf("queue: %s", cfg.Queue.Name),
			fmt.Sprintf("max attempts: %d", cfg.Queue.MaxAttempts),
		}
	}
	return check
}

// runDoctorProbeCheck records one synthetic chat call through the full
// pipeline and reads the row back. The queue is bypassed so the row is
// visible immediately.
func runDoctorProbeCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "probe"}
	if !cfg.Logging.Enabled {
		check.Status = doctorStatusSkip
		check.Summary = "skipped: logging.enabled=false"
		return check
	}

	cfg.Queue.Enabled = false
	cfg.Observability.OTel.Enabled = false
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()

	var recorded recordedIDs
	p, err := usagelog.Open(ctx, cfg, usagelog.WithLogger(logger), usagelog.WithRecordHook(recorded.add))
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to build recording pipeline"
		check.Details = []string{err.Error()}
		return check
	}
	chat, err := p.Chat(doctorProbeProvider, probeChat{})
	if err != nil {
		_ = p.Close(ctx)
		check.Status = doctorStatusFail
		check.Summary = "failed to instrument probe driver"
		check.Details = []string{err.Error()}
		return check
	}
	_, callErr := chat.CreateChat(usagelog.WithActor(ctx, doctorProbeActor), probeChatRequest())
	if err := p.Close(ctx); err != nil {
		check.Details = append(check.Details, fmt.Sprintf("close pipeline: %v", err))
	}
	if callErr != nil {
		check.Status = doctorStatusFail
		check.Summary = "probe call failed"
		check.Details = append(check.Details, callErr.Error())
		return check
	}

	id := recorded.last()
	if id == "" {
		check.Status = doctorStatusFail
		check.Summary = "probe call produced no record"
		return check
	}
	store, err := trace.Open(cfg.Storage)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to reopen usage log storage"
		check.Details = append(check.Details, err.Error())
		return check
	}
	defer func() { _ = store.Close() }()
	record, err := store.GetRecord(ctx, id)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "probe record was not persisted"
		check.Details = append(check.Details, fmt.Sprintf("record id: %s", id), err.Error())
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "recorded and read back a synthetic chat call"
	check.Details = append(check.Details,
		fmt.Sprintf("record id: %s", record.ID),
		fmt.Sprintf("status: %s", record.Status),
	)
	if record.Usage != nil {
		check.Details = append(check.Details,
			fmt.Sprintf("usage confidence: %s", record.Usage.Confidence),
			fmt.Sprintf("pricing source: %s", nonEmpty(record.Usage.PricingSource, "(none)")),
		)
	}
	return check
}

// recordedIDs keeps the ID of the last record a pipeline finalized.
type recordedIDs struct {
	mu sync.Mutex
	id string
}

func (r *recordedIDs) add(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func (r *recordedIDs) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// probeChat answers every request locally.
type probeChat struct{}

func (probeChat) CreateChat(_ context.Context, req openai.ChatCompletionRequest) (driver.ChatResult, error) {
	return driver.ChatResult{ChatCompletionResponse: openai.ChatCompletionResponse{
		ID:      "usagelog-doctor-probe",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "pong",
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 8, CompletionTokens: 1, TotalTokens: 9},
	}}, nil
}

func (probeChat) StreamChat(context.Context, openai.ChatCompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("pong", nil)
	}
}

func probeChatRequest() openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: doctorProbeModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	}
}

func doctorOverallStatus(checks []doctorCheck) string {
	overall := doctorStatusPass
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			overall = doctorStatusWarn
		}
	}
	return overall
}

func writeDoctor(out io.Writer, format string, document doctorDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}

	fmt.Fprintf(out, "usagelog doctor: %s\n", strings.ToUpper(document.OverallStatus))
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, check := range document.Checks {
		fmt.Fprintf(writer, "  %s\t%s\t%s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(writer, "  \t\t- %s\n", detail)
		}
	}
	return writer.Flush()
}
