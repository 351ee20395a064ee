package instrument

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ongoingai/usagelog/driver"
	"github.com/ongoingai/usagelog/internal/sanitize"
	"github.com/ongoingai/usagelog/internal/trace"
)

const (
	maxSearchResults  = 10
	audioPayloadBytes = 8000
)

// Wrap returns d instrumented as service for provider. With recording
// disabled d comes back as is.
func (r *Recorder) Wrap(service, provider string, d any) (any, error) {
	if !r.Enabled() {
		return d, nil
	}
	var (
		wrapped any
		ok      bool
	)
	switch service {
	case driver.ServiceChat:
		var next driver.Chat
		if next, ok = d.(driver.Chat); ok {
			wrapped = NewChat(r, provider, next)
		}
	case driver.ServiceImage:
		var next driver.Image
		if next, ok = d.(driver.Image); ok {
			wrapped = NewImage(r, provider, next)
		}
	case driver.ServiceAudio:
		var next driver.Audio
		if next, ok = d.(driver.Audio); ok {
			wrapped = NewAudio(r, provider, next)
		}
	case driver.ServiceMusic:
		var next driver.Music
		if next, ok = d.(driver.Music); ok {
			wrapped = NewMusic(r, provider, next)
		}
	case driver.ServiceSearch:
		var next driver.Search
		if next, ok = d.(driver.Search); ok {
			wrapped = NewSearch(r, provider, next)
		}
	case driver.ServiceVideo:
		var next driver.Video
		if next, ok = d.(driver.Video); ok {
			wrapped = NewVideo(r, provider, next)
		}
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
	if !ok {
		return nil, fmt.Errorf("%T does not implement the %s driver", d, service)
	}
	return wrapped, nil
}

// Chat records chat completions and streams.
type Chat struct {
	next     driver.Chat
	rec      *Recorder
	provider string
}

func NewChat(rec *Recorder, provider string, next driver.Chat) *Chat {
	return &Chat{next: next, rec: rec, provider: provider}
}

func (c *Chat) CreateChat(ctx context.Context, req openai.ChatCompletionRequest) (driver.ChatResult, error) {
	call := trace.Call{Service: driver.ServiceChat, Provider: c.provider, Operation: "send", Model: req.Model, Request: req}
	return Run(ctx, c.rec, call, func(ctx context.Context) (driver.ChatResult, error) {
		return c.next.CreateChat(ctx, req)
	}, summarizeChat)
}

func (c *Chat) StreamChat(ctx context.Context, req openai.ChatCompletionRequest) iter.Seq2[string, error] {
	call := trace.Call{Service: driver.ServiceChat, Provider: c.provider, Operation: "stream", Model: req.Model, Request: req}
	return Stream(ctx, c.rec, call, func(ctx context.Context) iter.Seq2[string, error] {
		return c.next.StreamChat(ctx, req)
	})
}

func summarizeChat(resp driver.ChatResult) Summary {
	var (
		content   string
		toolCalls []openai.ToolCall
	)
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		toolCalls = resp.Choices[0].Message.ToolCalls
	}
	return Summary{
		Response: map[string]any{
			"content":    content,
			"tool_calls": toolCalls,
			"model":      resp.Model,
		},
		Raw:   rawOr(resp.Raw, chatEnvelope(resp.ChatCompletionResponse)),
		Model: resp.Model,
		Text:  content,
	}
}

// chatEnvelope rebuilds the OpenAI-style envelope of a typed response.
// go-openai decodes a missing usage block to zeros, so a zero Usage is left
// out rather than reported as 0/0.
func chatEnvelope(resp openai.ChatCompletionResponse) map[string]any {
	envelope := map[string]any{"model": resp.Model}
	if u := resp.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
		envelope["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return envelope
}

// Image records image generation. Inline images share the response budget.
type Image struct {
	next     driver.Image
	rec      *Recorder
	provider string
}

func NewImage(rec *Recorder, provider string, next driver.Image) *Image {
	return &Image{next: next, rec: rec, provider: provider}
}

func (i *Image) GenerateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	call := trace.Call{
		Service:   driver.ServiceImage,
		Provider:  i.provider,
		Operation: "create",
		Model:     req.Model,
		Request: map[string]any{
			"prompt": req.Prompt,
			"model":  req.Model,
			"size":   req.Size,
			"n":      req.N,
		},
	}
	budget := i.rec.responseBytes
	return Run(ctx, i.rec, call, func(ctx context.Context) (openai.ImageResponse, error) {
		return i.next.GenerateImage(ctx, req)
	}, func(resp openai.ImageResponse) Summary {
		return Summary{Response: map[string]any{"images": truncateImages(resp.Data, budget)}}
	})
}

// truncateImages cuts each inline image to an equal share of budget.
func truncateImages(images []openai.ImageResponseDataInner, budget int) []map[string]any {
	limit := budget / max(len(images), 1)
	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		entry := map[string]any{"b64": sanitize.TruncateBytes(img.B64JSON, limit)}
		if img.URL != "" {
			entry["url"] = img.URL
		}
		if img.RevisedPrompt != "" {
			entry["revised_prompt"] = img.RevisedPrompt
		}
		out = append(out, entry)
	}
	return out
}

// Audio records speech synthesis and transcription.
type Audio struct {
	next     driver.Audio
	rec      *Recorder
	provider string
}

func NewAudio(rec *Recorder, provider string, next driver.Audio) *Audio {
	return &Audio{next: next, rec: rec, provider: provider}
}

func (a *Audio) Speech(ctx context.Context, req openai.CreateSpeechRequest) (driver.SpeechResult, error) {
	call := trace.Call{
		Service:   driver.ServiceAudio,
		Provider:  a.provider,
		Operation: "speak",
		Model:     string(req.Model),
		Request: map[string]any{
			"model":      string(req.Model),
			"voice":      string(req.Voice),
			"format":     string(req.ResponseFormat),
			"input":      req.Input,
			"text_chars": len(req.Input),
		},
	}
	return Run(ctx, a.rec, call, func(ctx context.Context) (driver.SpeechResult, error) {
		return a.next.Speech(ctx, req)
	}, func(res driver.SpeechResult) Summary {
		summary := Summary{
			Response: map[string]any{
				"content_type": res.ContentType,
				"audio_bytes":  len(res.Audio),
				"audio_b64":    sanitize.TruncateBytes(base64.StdEncoding.EncodeToString(res.Audio), audioPayloadBytes),
			},
			Model: res.Model,
		}
		if res.Raw != nil {
			summary.Raw = res.Raw
		}
		return summary
	})
}

func (a *Audio) Transcribe(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	call := trace.Call{
		Service:   driver.ServiceAudio,
		Provider:  a.provider,
		Operation: "transcribe",
		Model:     req.Model,
		Request: map[string]any{
			"model":     req.Model,
			"language":  req.Language,
			"file_path": req.FilePath,
			"format":    string(req.Format),
			"prompt":    req.Prompt,
		},
	}
	return Run(ctx, a.rec, call, func(ctx context.Context) (openai.AudioResponse, error) {
		return a.next.Transcribe(ctx, req)
	}, func(resp openai.AudioResponse) Summary {
		return Summary{
			Response: map[string]any{
				"text":     resp.Text,
				"language": resp.Language,
				"duration": resp.Duration,
			},
			Text: resp.Text,
		}
	})
}

// Music records song generation.
type Music struct {
	next     driver.Music
	rec      *Recorder
	provider string
}

func NewMusic(rec *Recorder, provider string, next driver.Music) *Music {
	return &Music{next: next, rec: rec, provider: provider}
}

func (m *Music) Compose(ctx context.Context, req driver.MusicRequest) (driver.MusicResult, error) {
	call := trace.Call{Service: driver.ServiceMusic, Provider: m.provider, Operation: "compose", Model: req.Model, Request: req}
	return Run(ctx, m.rec, call, func(ctx context.Context) (driver.MusicResult, error) {
		return m.next.Compose(ctx, req)
	}, func(res driver.MusicResult) Summary {
		return Summary{
			Response: map[string]any{
				"id":               res.ID,
				"status":           res.Status,
				"audio_url":        res.AudioURL,
				"music_b64":        sanitize.TruncateBytes(res.AudioBase64, audioPayloadBytes),
				"duration_seconds": res.DurationSeconds,
			},
			Raw:   rawOr(res.Raw, res),
			Model: res.Model,
		}
	})
}

// Search records web search queries.
type Search struct {
	next     driver.Search
	rec      *Recorder
	provider string
}

func NewSearch(rec *Recorder, provider string, next driver.Search) *Search {
	return &Search{next: next, rec: rec, provider: provider}
}

func (s *Search) Search(ctx context.Context, req driver.SearchRequest) (driver.SearchResult, error) {
	call := trace.Call{Service: driver.ServiceSearch, Provider: s.provider, Operation: "query", Model: req.Model, Request: req}
	return Run(ctx, s.rec, call, func(ctx context.Context) (driver.SearchResult, error) {
		return s.next.Search(ctx, req)
	}, func(res driver.SearchResult) Summary {
		hits := res.Results
		if len(hits) > maxSearchResults {
			hits = hits[:maxSearchResults]
		}
		results := make([]map[string]any, 0, len(hits))
		for _, hit := range hits {
			results = append(results, map[string]any{"title": hit.Title, "url": hit.URL})
		}
		return Summary{
			Response: map[string]any{"answer": res.Answer, "results": results},
			Raw:      rawOr(res.Raw, res),
			Model:    res.Model,
			Text:     res.Answer,
		}
	})
}

// Video records video generation jobs.
type Video struct {
	next     driver.Video
	rec      *Recorder
	provider string
}

func NewVideo(rec *Recorder, provider string, next driver.Video) *Video {
	return &Video{next: next, rec: rec, provider: provider}
}

func (v *Video) GenerateVideo(ctx context.Context, req driver.VideoRequest) (driver.VideoResult, error) {
	call := trace.Call{Service: driver.ServiceVideo, Provider: v.provider, Operation: "generate", Model: req.Model, Request: req}
	return Run(ctx, v.rec, call, func(ctx context.Context) (driver.VideoResult, error) {
		return v.next.GenerateVideo(ctx, req)
	}, func(res driver.VideoResult) Summary {
		return Summary{
			Response: map[string]any{
				"id":        res.ID,
				"status":    res.Status,
				"video_url": res.VideoURL,
			},
			Raw:   rawOr(res.Raw, res),
			Model: res.Model,
		}
	})
}

// rawOr prefers the provider envelope; the typed result still carries a
// usage block for providers that report one.
func rawOr[T any](raw map[string]any, result T) any {
	if raw != nil {
		return raw
	}
	return result
}
