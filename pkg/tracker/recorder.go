package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/llm"
	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/pricing"
	"github.com/arclight-ai/llmmeter/pkg/storage"
	"github.com/arclight-ai/llmmeter/pkg/tokenizer"
)

// CallOptions carries per-call parameters and overrides. Zero values defer
// to the resolved configuration.
type CallOptions struct {
	// ConfigID names an exact configuration record to use, bypassing
	// scope-based resolution.
	ConfigID string

	// UserID attributes the call and enables user-scope resolution.
	UserID string

	MaxTokens   int
	Temperature *float64
	TopP        *float64

	// Metadata is stored verbatim with the usage record.
	Metadata map[string]string
}

// Recorder resolves a configuration, performs the completion call and
// persists exactly one usage record per attempt, success or failure.
type Recorder struct {
	resolver  *Resolver
	client    llm.Client
	estimator pricing.Estimator
	store     storage.Storage
	logger    *slog.Logger

	now func() time.Time
}

func NewRecorder(resolver *Resolver, client llm.Client, estimator pricing.Estimator, store storage.Storage, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		resolver:  resolver,
		client:    client,
		estimator: estimator,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// CallAndTrack performs a synchronous completion and records its outcome.
// A failed provider call is recorded with success=false and the error is
// returned unchanged; configuration resolution failures produce no record.
func (r *Recorder) CallAndTrack(ctx context.Context, messages []llm.Message, opts CallOptions) (string, *model.UsageRecord, error) {
	req, err := r.buildRequest(ctx, messages, opts)
	if err != nil {
		return "", nil, err
	}

	startedAt := r.now().UTC()
	comp, callErr := r.client.Complete(ctx, *req)
	if callErr != nil {
		rec := r.saveFailure(ctx, req.Model, opts, startedAt, nil, llm.Usage{}, false, callErr)
		return "", rec, callErr
	}

	rec := r.buildRecord(req.Model, comp, opts, startedAt, nil, false)
	r.estimateIfMissing(rec, messages, comp)
	r.price(rec)
	r.persist(ctx, rec)
	return comp.Content, rec, nil
}

// CallAndTrackStream performs a streamed completion, invoking emit for each
// content fragment, and records the outcome including time to first chunk.
// When the stream dies midway the partial content seen so far still yields
// estimated token counts on the failure record.
func (r *Recorder) CallAndTrackStream(ctx context.Context, messages []llm.Message, opts CallOptions, emit func(fragment string) error) (string, *model.UsageRecord, error) {
	req, err := r.buildRequest(ctx, messages, opts)
	if err != nil {
		return "", nil, err
	}

	startedAt := r.now().UTC()

	var firstChunkAt *time.Time
	var partial []byte
	wrapped := func(fragment string) error {
		if firstChunkAt == nil {
			t := r.now().UTC()
			firstChunkAt = &t
		}
		partial = append(partial, fragment...)
		return emit(fragment)
	}

	comp, callErr := r.client.CompleteStream(ctx, *req, wrapped)
	if callErr != nil {
		partialUsage := r.estimateUsage(req.Model, messages, string(partial))
		rec := r.saveFailure(ctx, req.Model, opts, startedAt, firstChunkAt, partialUsage, true, callErr)
		return "", rec, callErr
	}

	rec := r.buildRecord(req.Model, comp, opts, startedAt, firstChunkAt, true)
	r.estimateIfMissing(rec, messages, comp)
	r.price(rec)
	r.persist(ctx, rec)
	return comp.Content, rec, nil
}

// buildRequest resolves the effective configuration and merges per-call
// overrides on top of its stored parameters.
func (r *Recorder) buildRequest(ctx context.Context, messages []llm.Message, opts CallOptions) (*llm.Request, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	cfg, err := r.resolver.Resolve(ctx, opts.ConfigID, opts.UserID)
	if err != nil {
		return nil, err
	}

	req := &llm.Request{
		Model:       cfg.Params.Model,
		Messages:    messages,
		APIKey:      cfg.Params.APIKey,
		APIBase:     cfg.Params.APIBase,
		MaxTokens:   cfg.Params.MaxTokens,
		Temperature: cfg.Params.Temperature,
		TopP:        cfg.Params.TopP,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	if opts.TopP != nil {
		req.TopP = opts.TopP
	}
	if req.Model == "" {
		return nil, fmt.Errorf("config %s has no model set", cfg.ID)
	}
	return req, nil
}

func (r *Recorder) buildRecord(reqModel string, comp *llm.Completion, opts CallOptions, startedAt time.Time, firstChunkAt *time.Time, streaming bool) *model.UsageRecord {
	m := comp.Model
	if m == "" {
		m = reqModel
	}
	return &model.UsageRecord{
		UserID:           opts.UserID,
		Model:            m,
		PromptTokens:     comp.Usage.PromptTokens,
		CompletionTokens: comp.Usage.CompletionTokens,
		TotalTokens:      comp.Usage.TotalTokens,
		CachedTokens:     comp.Usage.CachedTokens,
		ReasoningTokens:  comp.Usage.ReasoningTokens,
		CostCurrency:     r.estimator.DefaultCurrency(),
		Success:          true,
		IsStreaming:      streaming,
		StartedAt:        &startedAt,
		FirstChunkAt:     firstChunkAt,
		CreatedAt:        r.now().UTC(),
		Metadata:         encodeMetadata(opts.Metadata),
	}
}

// estimateIfMissing fills token counts from the tokenizer when the
// provider reported none, which is common on streamed responses.
func (r *Recorder) estimateIfMissing(rec *model.UsageRecord, messages []llm.Message, comp *llm.Completion) {
	if comp.HasUsage {
		return
	}
	u := r.estimateUsage(rec.Model, messages, comp.Content)
	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	rec.TotalTokens = u.TotalTokens
}

func (r *Recorder) estimateUsage(modelName string, messages []llm.Message, content string) llm.Usage {
	chat := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		chat = append(chat, map[string]string{"role": m.Role, "content": m.Content})
	}

	prompt, err := tokenizer.CountChatTokens(chat, modelName)
	if err != nil {
		r.logger.Warn("prompt token estimation failed", "model", modelName, "error", err)
	}
	var completion int64
	if content != "" {
		completion, err = tokenizer.CountTokens(content, modelName)
		if err != nil {
			r.logger.Warn("completion token estimation failed", "model", modelName, "error", err)
		}
	}
	return llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// price sets the cost from the estimator, leaving it absent (not zero) when
// the model has no pricing entry.
func (r *Recorder) price(rec *model.UsageRecord) {
	amount, currency, ok := r.estimator.Estimate(rec.Model, rec.PromptTokens, rec.CompletionTokens)
	if !ok {
		rec.Cost = nil
		return
	}
	rec.Cost = &amount
	rec.CostCurrency = currency
}

func (r *Recorder) saveFailure(ctx context.Context, modelName string, opts CallOptions, startedAt time.Time, firstChunkAt *time.Time, partial llm.Usage, streaming bool, callErr error) *model.UsageRecord {
	rec := &model.UsageRecord{
		UserID:           opts.UserID,
		Model:            modelName,
		PromptTokens:     partial.PromptTokens,
		CompletionTokens: partial.CompletionTokens,
		TotalTokens:      partial.TotalTokens,
		CostCurrency:     r.estimator.DefaultCurrency(),
		Success:          false,
		Error:            callErr.Error(),
		IsStreaming:      streaming,
		StartedAt:        &startedAt,
		FirstChunkAt:     firstChunkAt,
		CreatedAt:        r.now().UTC(),
		Metadata:         encodeMetadata(opts.Metadata),
	}
	r.persist(ctx, rec)
	return rec
}

// persist is best-effort: a storage failure must not mask the call outcome,
// so it only logs.
func (r *Recorder) persist(ctx context.Context, rec *model.UsageRecord) {
	if err := r.store.InsertUsage(ctx, rec); err != nil {
		r.logger.Error("failed to persist usage record", "model", rec.Model, "error", err)
	}
}

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(raw)
}
