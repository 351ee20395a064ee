package usagelog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ongoingai/usagelog"
	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/driver"
	"github.com/ongoingai/usagelog/internal/trace"
)

type pongChat struct{}

func (pongChat) CreateChat(_ context.Context, req openai.ChatCompletionRequest) (driver.ChatResult, error) {
	return driver.ChatResult{ChatCompletionResponse: openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "pong"},
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}, nil
}

func (pongChat) StreamChat(context.Context, openai.ChatCompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("pong", nil)
	}
}

func pingRequest() openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
	}
}

func testConfig(t *testing.T) (config.Config, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "usagelog.db")
	return cfg, cfg.Storage.Path
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) == nil {
			out = append(out, entry)
		}
	}
	return out
}

type lastID struct {
	mu sync.Mutex
	id string
}

func (l *lastID) set(_ context.Context, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
}

func (l *lastID) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

func TestOpenRecordsWrappedChatCall(t *testing.T) {
	t.Parallel()

	cfg, dbPath := testConfig(t)
	var recorded lastID
	p, err := usagelog.Open(context.Background(), cfg,
		usagelog.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
		usagelog.WithRecordHook(recorded.set),
	)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !p.Enabled() || p.Queued() {
		t.Fatalf("Enabled()=%v Queued()=%v, want true and false", p.Enabled(), p.Queued())
	}

	chat, err := p.Chat("openai", pongChat{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	resp, err := chat.CreateChat(usagelog.WithActor(context.Background(), "user-7"), pingRequest())
	if err != nil {
		t.Fatalf("CreateChat() error: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "pong" {
		t.Fatalf("content=%q, want pong", got)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	id := recorded.get()
	if id == "" {
		t.Fatal("record hook saw no record")
	}
	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()
	record, err := store.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if record.Status != trace.StatusSuccess || record.UserID != "user-7" {
		t.Fatalf("record status=%q user=%q, want success/user-7", record.Status, record.UserID)
	}
	if record.Usage == nil || record.Usage.TotalCostCents == nil {
		t.Fatalf("usage=%+v, want priced usage", record.Usage)
	}
	if record.Usage.PromptTokens == nil || *record.Usage.PromptTokens != 12 {
		t.Fatalf("prompt_tokens=%v, want 12", record.Usage.PromptTokens)
	}
}

func TestCloseDrainsMemoryQueueAndLogsCounts(t *testing.T) {
	t.Parallel()

	cfg, dbPath := testConfig(t)
	cfg.Queue.Enabled = true
	cfg.Queue.Driver = config.QueueDriverMemory
	cfg.Queue.BufferSize = 8

	logs := &lockedBuffer{}
	var recorded lastID
	p, err := usagelog.Open(context.Background(), cfg,
		usagelog.WithLogger(slog.New(slog.NewJSONHandler(logs, nil))),
		usagelog.WithRecordHook(recorded.set),
	)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !p.Queued() {
		t.Fatal("pipeline should hand records to the memory queue")
	}
	wrapped, err := p.Wrap(driver.ServiceChat, "openai", pongChat{})
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := wrapped.(driver.Chat).CreateChat(context.Background(), pingRequest()); err != nil {
			t.Fatalf("CreateChat() error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var flushed map[string]any
	for _, entry := range logs.lines() {
		if entry["msg"] == "flushed pending usage logs before shutdown" {
			flushed = entry
		}
	}
	if flushed == nil {
		t.Fatalf("no flush log line in %v", logs.lines())
	}
	if flushed["accepted"] != float64(3) || flushed["rejected"] != float64(0) || flushed["write_failed"] != float64(0) {
		t.Fatalf("flush counts=%v, want 3 accepted and none dropped", flushed)
	}

	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()
	if _, err := store.GetRecord(context.Background(), recorded.get()); err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
}

func TestWrapIsTransparentWhenLoggingDisabled(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	cfg.Logging.Enabled = false

	p, err := usagelog.Open(context.Background(), cfg, usagelog.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = p.Close(context.Background()) }()

	chat, err := p.Chat("openai", pongChat{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if _, ok := chat.(pongChat); !ok {
		t.Fatalf("Chat() returned %T, want the unwrapped driver", chat)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	cfg.Storage.Driver = "mysql"
	if _, err := usagelog.Open(context.Background(), cfg); err == nil {
		t.Fatal("Open() should reject an unsupported storage driver")
	}
}
