// Package driver declares the provider operations that get instrumented.
// Implementations live with the provider integrations; this package only
// fixes their shapes.
package driver

import (
	"context"
	"iter"

	openai "github.com/sashabaranov/go-openai"
)

// Service names a family of operations. They double as service_type in
// persisted records.
const (
	ServiceChat   = "chat"
	ServiceImage  = "image"
	ServiceAudio  = "audio"
	ServiceMusic  = "music"
	ServiceSearch = "search"
	ServiceVideo  = "video"
)

// Chat covers completion and streaming chat. Stream yields text deltas;
// a non-nil error ends the sequence. A streaming driver that receives a
// usage block (e.g. the final chunk of an OpenAI stream with include_usage)
// hands it to ReportStreamUsage.
type Chat interface {
	CreateChat(ctx context.Context, req openai.ChatCompletionRequest) (ChatResult, error)
	StreamChat(ctx context.Context, req openai.ChatCompletionRequest) iter.Seq2[string, error]
}

// ChatResult is a chat completion. Raw is the provider's JSON envelope when
// the driver decoded one; usage is read from it in the provider's own
// shape. Without Raw, a zero Usage means the provider reported none.
type ChatResult struct {
	openai.ChatCompletionResponse
	Raw map[string]any `json:"-"`
}

type streamUsageKey struct{}

// WithStreamUsage returns a context whose streaming driver calls report
// with the provider's usage envelope.
func WithStreamUsage(ctx context.Context, report func(raw map[string]any)) context.Context {
	return context.WithValue(ctx, streamUsageKey{}, report)
}

// ReportStreamUsage passes raw to whoever records the stream running under
// ctx. Without one it does nothing.
func ReportStreamUsage(ctx context.Context, raw map[string]any) {
	if report, ok := ctx.Value(streamUsageKey{}).(func(map[string]any)); ok && report != nil && raw != nil {
		report(raw)
	}
}

type Image interface {
	GenerateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error)
}

type Audio interface {
	Speech(ctx context.Context, req openai.CreateSpeechRequest) (SpeechResult, error)
	Transcribe(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

type Music interface {
	Compose(ctx context.Context, req MusicRequest) (MusicResult, error)
}

type Search interface {
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
}

type Video interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (VideoResult, error)
}

// SpeechResult is synthesized audio. Raw is the provider's JSON envelope
// when it sends one.
type SpeechResult struct {
	Model       string         `json:"model,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Audio       []byte         `json:"-"`
	Raw         map[string]any `json:"-"`
}

type MusicRequest struct {
	Model           string `json:"model,omitempty"`
	Prompt          string `json:"prompt"`
	Lyrics          string `json:"lyrics,omitempty"`
	Style           string `json:"style,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Instrumental    bool   `json:"instrumental,omitempty"`
}

func (r MusicRequest) PromptTexts() []string {
	return nonEmpty(r.Prompt, r.Lyrics, r.Style)
}

type MusicResult struct {
	ID              string         `json:"id,omitempty"`
	Model           string         `json:"model,omitempty"`
	Status          string         `json:"status,omitempty"`
	AudioURL        string         `json:"audio_url,omitempty"`
	AudioBase64     string         `json:"audio_base64,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Usage           map[string]any `json:"usage,omitempty"`
	Raw             map[string]any `json:"-"`
}

type SearchRequest struct {
	Model      string `json:"model,omitempty"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (r SearchRequest) PromptTexts() []string {
	return nonEmpty(r.Query)
}

type SearchHit struct {
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

type SearchResult struct {
	Model   string         `json:"model,omitempty"`
	Answer  string         `json:"answer,omitempty"`
	Results []SearchHit    `json:"results,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
	Raw     map[string]any `json:"-"`
}

type VideoRequest struct {
	Model           string `json:"model,omitempty"`
	Prompt          string `json:"prompt"`
	ImageURL        string `json:"image_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

func (r VideoRequest) PromptTexts() []string {
	return nonEmpty(r.Prompt)
}

type VideoResult struct {
	ID       string         `json:"id,omitempty"`
	Model    string         `json:"model,omitempty"`
	Status   string         `json:"status,omitempty"`
	VideoURL string         `json:"video_url,omitempty"`
	Usage    map[string]any `json:"usage,omitempty"`
	Raw      map[string]any `json:"-"`
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
