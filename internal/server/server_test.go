package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-ai/llmmeter/internal/server"
	"github.com/arclight-ai/llmmeter/pkg/llm"
	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/retention"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/stats"
	"github.com/arclight-ai/llmmeter/pkg/storage"
	"github.com/arclight-ai/llmmeter/pkg/tracker"
)

type okClient struct{}

func (okClient) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	return &llm.Completion{
		Model:    req.Model,
		Content:  "ok",
		Usage:    llm.Usage{PromptTokens: 10, CompletionTokens: 1, TotalTokens: 11},
		HasUsage: true,
	}, nil
}

func (okClient) CompleteStream(_ context.Context, req llm.Request, emit func(string) error) (*llm.Completion, error) {
	if err := emit("ok"); err != nil {
		return nil, err
	}
	return &llm.Completion{Model: req.Model, Content: "ok"}, nil
}

type nopEstimator struct{}

func (nopEstimator) Estimate(string, int64, int64) (float64, string, bool) { return 0, "", false }
func (nopEstimator) DefaultCurrency() string                              { return "USD" }

func setupServer(t *testing.T) (*server.Server, *storage.SQLite) {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	resolver := tracker.NewResolver(store, tracker.PolicyStrict, nil)
	recorder := tracker.NewRecorder(resolver, okClient{}, nopEstimator{}, store, logger)

	srv := server.NewServer(store,
		stats.NewEngine(store),
		series.NewAggregator(store, logger),
		retention.NewCleaner(store, logger),
		recorder, logger)
	return srv, store
}

func seedUsage(t *testing.T, store *storage.SQLite, userID, modelName string, tokens int64, success bool, at time.Time) {
	t.Helper()
	rec := model.UsageRecord{
		UserID: userID, Model: modelName,
		PromptTokens: tokens / 2, CompletionTokens: tokens - tokens/2, TotalTokens: tokens,
		Success: success, CreatedAt: at,
	}
	require.NoError(t, store.InsertUsage(context.Background(), &rec))
}

func doJSON(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv, _ := setupServer(t)
	w := doJSON(t, srv, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestServer_UsageList(t *testing.T) {
	srv, store := setupServer(t)
	now := time.Now().UTC()
	seedUsage(t, store, "alice", "gpt-4o", 100, true, now.Add(-2*time.Minute))
	seedUsage(t, store, "alice", "gpt-4o-mini", 50, true, now.Add(-time.Minute))
	seedUsage(t, store, "bob", "gpt-4o", 30, false, now)

	w := doJSON(t, srv, "GET", "/api/v1/usage", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []model.UsageRecord `json:"records"`
		Total   int64               `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(3), resp.Total)
	require.Len(t, resp.Records, 3)
	// Newest first.
	assert.Equal(t, "bob", resp.Records[0].UserID)

	w = doJSON(t, srv, "GET", "/api/v1/usage?user_id=alice&success=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(2), resp.Total)

	w = doJSON(t, srv, "GET", "/api/v1/usage?limit=1&offset=1", nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Records, 1)

	w = doJSON(t, srv, "GET", "/api/v1/usage?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_StatsSummary(t *testing.T) {
	srv, store := setupServer(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedUsage(t, store, "alice", "gpt-4o", 100, true, at)
	seedUsage(t, store, "alice", "gpt-4o", 60, false, at.Add(time.Minute))

	w := doJSON(t, srv, "GET", "/api/v1/stats/summary?start=2026-03-10&end=2026-03-10", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var summary model.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
	assert.Equal(t, int64(2), summary.TotalCalls)
	assert.Equal(t, int64(1), summary.SuccessfulCalls)
	assert.Equal(t, int64(160), summary.TotalTokens)

	w = doJSON(t, srv, "GET", "/api/v1/stats/summary?start=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_StatsSeries(t *testing.T) {
	srv, store := setupServer(t)
	seedUsage(t, store, "", "gpt-4o", 100, true, time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))

	w := doJSON(t, srv, "GET", "/api/v1/stats/series?granularity=day&start=2026-03-10T10:00:00Z&end=2026-03-10T11:59:59Z", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var points []model.SeriesPoint
	require.NoError(t, json.NewDecoder(w.Body).Decode(&points))
	require.Len(t, points, 2)
	assert.Equal(t, int64(1), points[0].TotalCalls)
	assert.Zero(t, points[1].TotalCalls)

	w = doJSON(t, srv, "GET", "/api/v1/stats/series?granularity=week", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Omitting the granularity is rejected, not defaulted.
	w = doJSON(t, srv, "GET", "/api/v1/stats/series?start=2026-03-10&end=2026-03-10", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, "GET", "/api/v1/stats/series/models?start=2026-03-10&end=2026-03-10", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ConfigCRUD(t *testing.T) {
	srv, _ := setupServer(t)

	create := model.ProviderConfig{
		Scope:    model.ScopeGlobal,
		Provider: "openai",
		Params:   model.ProviderParams{APIKey: "sk-1", Model: "gpt-4o"},
		IsActive: true,
	}
	w := doJSON(t, srv, "POST", "/api/v1/configs", create)
	require.Equal(t, http.StatusCreated, w.Code)

	var created model.ProviderConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	w = doJSON(t, srv, "GET", "/api/v1/configs/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	created.Params.Model = "gpt-4o-mini"
	w = doJSON(t, srv, "PUT", "/api/v1/configs/"+created.ID, created)
	assert.Equal(t, http.StatusOK, w.Code)
	var updated model.ProviderConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.Equal(t, "gpt-4o-mini", updated.Params.Model)

	w = doJSON(t, srv, "GET", "/api/v1/configs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []model.ProviderConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)

	w = doJSON(t, srv, "DELETE", "/api/v1/configs/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, "GET", "/api/v1/configs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ConfigValidation(t *testing.T) {
	srv, _ := setupServer(t)

	// Missing model.
	w := doJSON(t, srv, "POST", "/api/v1/configs", model.ProviderConfig{Scope: model.ScopeGlobal})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// User scope without user id.
	w = doJSON(t, srv, "POST", "/api/v1/configs", model.ProviderConfig{
		Scope:  model.ScopeUser,
		Params: model.ProviderParams{Model: "gpt-4o"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SetDefaultClearsOthers(t *testing.T) {
	srv, store := setupServer(t)
	ctx := context.Background()

	a := &model.ProviderConfig{Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "gpt-4o"}, IsActive: true, IsDefault: true}
	require.NoError(t, store.InsertConfig(ctx, a))
	b := &model.ProviderConfig{Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "gpt-4o-mini"}, IsActive: true}
	require.NoError(t, store.InsertConfig(ctx, b))

	w := doJSON(t, srv, "POST", "/api/v1/configs/"+b.ID+"/default", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := store.GetConfig(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)
	got, err = store.GetConfig(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
}

func TestServer_ConfigTest(t *testing.T) {
	srv, store := setupServer(t)
	ctx := context.Background()

	cfg := &model.ProviderConfig{Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{APIKey: "sk-1", Model: "gpt-4o"}, IsActive: true}
	require.NoError(t, store.InsertConfig(ctx, cfg))

	w := doJSON(t, srv, "POST", "/api/v1/configs/"+cfg.ID+"/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK      bool   `json:"ok"`
		Content string `json:"content"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "ok", resp.Content)

	// The test call itself gets metered.
	_, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	w = doJSON(t, srv, "POST", "/api/v1/configs/no-such-id/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Retention(t *testing.T) {
	srv, _ := setupServer(t)

	w := doJSON(t, srv, "GET", "/api/v1/retention", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var settings model.RetentionSettings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&settings))
	assert.Equal(t, model.DefaultRetentionDays, settings.RetentionDays)

	settings.RetentionDays = 90
	settings.CleanupEnabled = true
	w = doJSON(t, srv, "PUT", "/api/v1/retention", settings)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "GET", "/api/v1/retention", nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&settings))
	assert.Equal(t, 90, settings.RetentionDays)

	// Bad schedule is rejected.
	settings.CleanupSchedule = "whenever"
	w = doJSON(t, srv, "PUT", "/api/v1/retention", settings)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ManualAggregateAndCleanup(t *testing.T) {
	srv, store := setupServer(t)
	now := time.Now().UTC()
	seedUsage(t, store, "", "gpt-4o", 100, true, now.Add(-time.Minute))
	seedUsage(t, store, "", "gpt-4o", 50, true, now.AddDate(0, 0, -400))

	w := doJSON(t, srv, "POST", "/api/v1/admin/aggregate?granularity=hour", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	rows, err := store.SeriesRows(context.Background(), model.GranularityHour, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	w = doJSON(t, srv, "POST", "/api/v1/admin/aggregate?granularity=week", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, "POST", "/api/v1/admin/cleanup", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var result retention.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, int64(1), result.DeletedUsage)
}
