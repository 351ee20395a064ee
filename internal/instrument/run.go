package instrument

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/ongoingai/usagelog/driver"
	"github.com/ongoingai/usagelog/internal/trace"
)

// Summary is what a successful response leaves in the record.
type Summary struct {
	// Response is sanitized and persisted as response_payload.
	Response any
	// Raw is the provider payload usage and the served model are read from.
	Raw any
	// Model overrides the requested model when set.
	Model string
	// Text is the completion used to estimate output tokens.
	Text string
}

// Summarizer shapes a response into a Summary.
type Summarizer[Resp any] func(Resp) Summary

// PanicError carries a recovered panic value into the record. The panic
// itself is re-raised unchanged.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Run calls op and records it. The response and error op returns are
// passed back unchanged, and a panic in op is re-raised after the record
// is persisted.
func Run[Resp any](ctx context.Context, r *Recorder, call trace.Call, op func(context.Context) (Resp, error), summarize Summarizer[Resp]) (resp Resp, err error) {
	if !r.Enabled() {
		return op(ctx)
	}
	call.ActorID = actorOr(ctx, call.ActorID)
	ctx, span := r.startSpan(ctx, call)
	draft := r.drafter.Start(call)
	var result outcome

	defer func() {
		recovered := recover()
		callErr := err
		if recovered != nil {
			callErr = PanicError{Value: recovered}
			draft.FinishError(callErr)
		}
		r.complete(ctx, span, draft, result, callErr)
		if recovered != nil {
			panic(recovered)
		}
	}()

	resp, err = op(ctx)
	if err != nil {
		draft.FinishError(err)
		return resp, err
	}
	summary := summarizeContained(ctx, r, draft.Call(), resp, summarize)
	result = outcome{raw: summary.Raw, finalText: summary.Text}
	draft.SetModel(summary.Model)
	draft.FinishSuccess(summary.Response)
	return resp, nil
}

// summarizeContained keeps a panicking summarizer from failing a call that
// succeeded. The record is kept with a placeholder response.
func summarizeContained[Resp any](ctx context.Context, r *Recorder, call trace.Call, resp Resp, summarize Summarizer[Resp]) (summary Summary) {
	if summarize == nil {
		return Summary{Response: resp, Raw: resp}
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.persister.Report(ctx, trace.Failure{
				Stage:     trace.StageSummarize,
				Service:   call.Service,
				Provider:  call.Provider,
				Operation: call.Operation,
				Err:       PanicError{Value: recovered},
			})
			summary = Summary{Response: map[string]any{"summary": "unavailable"}}
		}
	}()
	return summarize(resp)
}

// Stream records a streamed call. The draft starts when the returned
// sequence is first ranged over; a sequence never consumed records
// nothing. If the consumer stops early the call is recorded as an error
// when ctx is done, and otherwise as a success marked abandoned.
func Stream(ctx context.Context, r *Recorder, call trace.Call, open func(context.Context) iter.Seq2[string, error]) iter.Seq2[string, error] {
	if !r.Enabled() {
		return open(ctx)
	}
	return func(yield func(string, error) bool) {
		call := call
		call.ActorID = actorOr(ctx, call.ActorID)
		ctx, span := r.startSpan(ctx, call)
		draft := r.drafter.Start(call)
		storeChunks := r.drafter.StoreChunks()
		var (
			streamErr error
			usageMu   sync.Mutex
			reported  map[string]any
		)
		ctx = driver.WithStreamUsage(ctx, func(raw map[string]any) {
			usageMu.Lock()
			defer usageMu.Unlock()
			reported = raw
		})

		defer func() {
			recovered := recover()
			if recovered != nil {
				streamErr = PanicError{Value: recovered}
				draft.FinishError(streamErr)
			}
			var result outcome
			usageMu.Lock()
			if reported != nil {
				result.raw = reported
			}
			usageMu.Unlock()
			r.complete(ctx, span, draft, result, streamErr)
			if recovered != nil {
				panic(recovered)
			}
		}()

		for delta, err := range open(ctx) {
			if err != nil {
				streamErr = err
				draft.FinishError(err)
				yield("", err)
				return
			}
			if storeChunks {
				draft.Accumulate(delta)
			} else {
				draft.AppendFinal(delta)
			}
			if !yield(delta, nil) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					streamErr = ctxErr
					draft.FinishError(ctxErr)
					return
				}
				draft.SetExtra("stream", map[string]any{"abandoned": true})
				draft.FinishStreaming()
				return
			}
		}
		draft.FinishStreaming()
	}
}
