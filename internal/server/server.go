package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/llm"
	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/retention"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/stats"
	"github.com/arclight-ai/llmmeter/pkg/storage"
	"github.com/arclight-ai/llmmeter/pkg/tracker"
)

// Server provides the admin API: usage browsing, stats, configuration
// management, retention settings and manual maintenance triggers.
type Server struct {
	store      storage.Storage
	engine     *stats.Engine
	aggregator *series.Aggregator
	cleaner    *retention.Cleaner
	recorder   *tracker.Recorder
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates an API server. recorder may be nil, which disables the
// connection test endpoint.
func NewServer(store storage.Storage, engine *stats.Engine, aggregator *series.Aggregator, cleaner *retention.Cleaner, recorder *tracker.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      store,
		engine:     engine,
		aggregator: aggregator,
		cleaner:    cleaner,
		recorder:   recorder,
		mux:        http.NewServeMux(),
		logger:     logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/usage", s.handleUsageList)
	s.mux.HandleFunc("GET /api/v1/stats/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/v1/stats/models", s.handleByModel)
	s.mux.HandleFunc("GET /api/v1/stats/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/v1/stats/series/models", s.handleSeriesByModel)

	s.mux.HandleFunc("GET /api/v1/configs", s.handleConfigList)
	s.mux.HandleFunc("POST /api/v1/configs", s.handleConfigCreate)
	s.mux.HandleFunc("GET /api/v1/configs/{id}", s.handleConfigGet)
	s.mux.HandleFunc("PUT /api/v1/configs/{id}", s.handleConfigUpdate)
	s.mux.HandleFunc("DELETE /api/v1/configs/{id}", s.handleConfigDelete)
	s.mux.HandleFunc("POST /api/v1/configs/{id}/default", s.handleConfigSetDefault)
	s.mux.HandleFunc("POST /api/v1/configs/{id}/test", s.handleConfigTest)

	s.mux.HandleFunc("GET /api/v1/retention", s.handleRetentionGet)
	s.mux.HandleFunc("PUT /api/v1/retention", s.handleRetentionPut)

	s.mux.HandleFunc("POST /api/v1/admin/aggregate", s.handleAggregate)
	s.mux.HandleFunc("POST /api/v1/admin/cleanup", s.handleCleanup)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsageList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	filter := model.UsageFilter{
		UserID: q.Get("user_id"),
		Model:  q.Get("model"),
		Limit:  50,
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid success value", http.StatusBadRequest)
			return
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}
	var err error
	if filter.Start, filter.End, err = parseWindow(q.Get("start"), q.Get("end")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, total, err := s.store.ListUsage(ctx, filter)
	if err != nil {
		s.logger.Error("list usage", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.UsageRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, err := statsFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.engine.Summary(ctx, filter)
	if err != nil {
		s.logger.Error("summarize usage", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleByModel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, err := statsFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	byModel, err := s.engine.ByModel(ctx, filter)
	if err != nil {
		s.logger.Error("summarize by model", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if byModel == nil {
		byModel = []model.ModelStats{}
	}
	s.writeJSON(w, http.StatusOK, byModel)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := stats.ParseViewGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := statsFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.engine.Series(ctx, view, filter)
	if err != nil {
		s.logger.Error("compute series", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.SeriesPoint{}
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleSeriesByModel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := stats.ParseViewGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := statsFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.engine.SeriesByModel(ctx, view, filter)
	if err != nil {
		s.logger.Error("compute series by model", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.SeriesRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	scope := model.ConfigScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = model.ScopeGlobal
	}
	if scope != model.ScopeGlobal && scope != model.ScopeUser {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}

	configs, err := s.store.ListConfigs(ctx, scope, r.URL.Query().Get("user_id"))
	if err != nil {
		s.logger.Error("list configs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if configs == nil {
		configs = []model.ProviderConfig{}
	}
	s.writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleConfigCreate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var cfg model.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateConfig(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.InsertConfig(ctx, &cfg); err != nil {
		s.logger.Error("create config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if cfg.IsDefault && cfg.Scope == model.ScopeGlobal {
		if err := s.store.SetDefaultConfig(ctx, cfg.ID); err != nil {
			s.logger.Error("set default on create", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cfg, err := s.store.GetConfig(ctx, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	existing, err := s.store.GetConfig(ctx, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var cfg model.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Identity fields are immutable.
	cfg.ID = existing.ID
	cfg.Scope = existing.Scope
	cfg.UserID = existing.UserID
	cfg.CreatedAt = existing.CreatedAt
	if err := validateConfig(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateConfig(ctx, &cfg); err != nil {
		s.logger.Error("update config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if cfg.IsDefault && !existing.IsDefault && cfg.Scope == model.ScopeGlobal {
		if err := s.store.SetDefaultConfig(ctx, cfg.ID); err != nil {
			s.logger.Error("set default on update", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err := s.store.DeleteConfig(ctx, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("delete config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigSetDefault(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err := s.store.SetDefaultConfig(ctx, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfigTest fires one tiny tracked completion through the named
// configuration so an operator can verify credentials end to end.
func (s *Server) handleConfigTest(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "test calls not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	messages := []llm.Message{{Role: "user", Content: "Reply with the single word: ok"}}
	content, record, err := s.recorder.CallAndTrack(ctx, messages, tracker.CallOptions{
		ConfigID:  r.PathValue("id"),
		MaxTokens: 16,
		Metadata:  map[string]string{"source": "config-test"},
	})
	if errors.Is(err, tracker.ErrNoConfig) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"content": content,
		"usage":   record,
	})
}

func (s *Server) handleRetentionGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	settings, err := s.store.RetentionSettings(ctx)
	if err != nil {
		s.logger.Error("get retention settings", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleRetentionPut(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var settings model.RetentionSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SaveRetentionSettings(ctx, &settings); err != nil {
		s.logger.Error("save retention settings", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	var grans []model.Granularity
	if v := r.URL.Query().Get("granularity"); v != "" {
		g := model.Granularity(v)
		if !g.Valid() {
			http.Error(w, "invalid granularity", http.StatusBadRequest)
			return
		}
		grans = []model.Granularity{g}
	}

	var window *series.Window
	start, end, err := parseWindow(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !start.IsZero() && !end.IsZero() {
		window = &series.Window{Start: start, End: end}
	}

	result, err := s.aggregator.Aggregate(ctx, grans, window)
	if err != nil {
		s.logger.Error("manual aggregation", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if len(result.Errors) > 0 {
		// Partial success: some buckets were written, some failed.
		status = http.StatusMultiStatus
	}
	failed := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		failed = append(failed, e.Error())
	}
	s.writeJSON(w, status, map[string]any{
		"upserted": result.Upserted,
		"failed":   failed,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	result, err := s.cleaner.Run(ctx)
	if err != nil {
		s.logger.Error("manual cleanup", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func statsFilter(r *http.Request) (model.StatsFilter, error) {
	q := r.URL.Query()
	start, end, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		return model.StatsFilter{}, err
	}
	return model.StatsFilter{
		UserID: q.Get("user_id"),
		Start:  start,
		End:    end,
	}, nil
}

func parseWindow(startStr, endStr string) (start, end time.Time, err error) {
	if startStr != "" {
		if start, err = stats.ParseTime(startStr); err != nil {
			return
		}
	}
	if endStr != "" {
		if end, err = stats.ParseEndTime(endStr); err != nil {
			return
		}
	}
	return
}

func validateConfig(cfg *model.ProviderConfig) error {
	if cfg.Scope == "" {
		cfg.Scope = model.ScopeGlobal
	}
	if cfg.Scope != model.ScopeGlobal && cfg.Scope != model.ScopeUser {
		return errors.New("scope must be global or user")
	}
	if cfg.Scope == model.ScopeUser && cfg.UserID == "" {
		return errors.New("user scope requires user_id")
	}
	if cfg.Scope == model.ScopeGlobal && cfg.UserID != "" {
		return errors.New("global scope must not set user_id")
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Params.Model == "" {
		return errors.New("params.model is required")
	}
	return nil
}
