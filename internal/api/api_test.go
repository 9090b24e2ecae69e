package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/auth"
	"bracketbot.com/internal/config"
	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

const secret = "test-secret"

type fakeStrategies struct {
	created  []*model.Strategy
	started  []string
	stopped  map[string]bool
	startErr error
}

func (f *fakeStrategies) CreateStrategy(_ context.Context, s *model.Strategy) error {
	for _, c := range f.created {
		if c.Name == s.Name {
			return domain.NewConflictError("strategy already exists")
		}
	}
	s.ID = uint(len(f.created) + 1)
	f.created = append(f.created, s)
	return nil
}

func (f *fakeStrategies) StartStrategy(_ context.Context, name string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeStrategies) StopStrategy(_ context.Context, name string, leaveOpen bool) error {
	if f.stopped == nil {
		f.stopped = make(map[string]bool)
	}
	f.stopped[name] = leaveOpen
	return nil
}

func (f *fakeStrategies) ListStrategies(context.Context) ([]model.StrategyStatusView, error) {
	var out []model.StrategyStatusView
	for _, s := range f.created {
		out = append(out, model.StrategyStatusView{StrategyName: s.Name, Instrument: s.Instrument, Phase: model.PhaseIdle})
	}
	return out, nil
}

func (f *fakeStrategies) GetStatus(_ context.Context, name string) (*model.StrategyStatusView, error) {
	for _, s := range f.created {
		if s.Name == name {
			return &model.StrategyStatusView{StrategyName: s.Name, Instrument: s.Instrument, Phase: model.PhaseAnalyzing}, nil
		}
	}
	return nil, domain.NewNotFoundError("strategy not found")
}

type fakeTrades struct {
	lastPage, lastPageSize int
}

func (f *fakeTrades) GetOpenTrade(context.Context, string) (*model.TradeRecord, error) {
	return nil, domain.NewNotFoundError("no open trade")
}

func (f *fakeTrades) GetRecentTrades(_ context.Context, _ string, page, pageSize int) ([]*model.TradeRecord, int64, error) {
	f.lastPage, f.lastPageSize = page, pageSize
	return []*model.TradeRecord{{ID: "t1", StrategyName: "alpha"}}, 41, nil
}

func (f *fakeTrades) GetStats(context.Context, string) (*model.TradeStats, error) {
	return nil, &domain.ValidationError{Field: "name", Message: "bad"}
}

func newTestApp(t *testing.T) (*fiber.App, *fakeStrategies, *fakeTrades) {
	t.Helper()
	enforcer, err := auth.InitCasbin(nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.JWTSecret = secret
	strategies, trades := &fakeStrategies{}, &fakeTrades{}
	return NewServer(cfg, enforcer, strategies, trades), strategies, trades
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(secret, "tester", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, app *fiber.App, method, path, role, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestPublicRoutes(t *testing.T) {
	app, _, _ := newTestApp(t)

	code, _ := do(t, app, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)

	code, body := do(t, app, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAuth(t *testing.T) {
	app, _, _ := newTestApp(t)

	code, _ := do(t, app, http.MethodGet, "/api/strategies", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/strategies", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, _ = do(t, app, http.MethodGet, "/api/strategies", auth.RoleViewer, "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, app, http.MethodPost, "/api/strategies/alpha/stop", auth.RoleViewer, "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestStrategyRoutes(t *testing.T) {
	app, strategies, _ := newTestApp(t)
	body := `{"name":"alpha","instrument":"ETH-PERP","decider":"threshold","config":{"trigger_price":3000,"operator":">","side":"long","stop_pct":1},"start":true}`

	code, data := do(t, app, http.MethodPost, "/api/strategies", auth.RoleOperator, body)
	require.Equal(t, http.StatusCreated, code, string(data))
	require.Len(t, strategies.created, 1)
	assert.Equal(t, model.StrategyStatusActive, strategies.created[0].Status)
	assert.JSONEq(t, `{"trigger_price":3000,"operator":">","side":"long","stop_pct":1}`, string(strategies.created[0].Config))

	code, _ = do(t, app, http.MethodPost, "/api/strategies", auth.RoleOperator, body)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, app, http.MethodPost, "/api/strategies", auth.RoleOperator, `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, data = do(t, app, http.MethodGet, "/api/strategies", auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, code)
	var views []model.StrategyStatusView
	require.NoError(t, json.Unmarshal(data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alpha", views[0].StrategyName)

	code, _ = do(t, app, http.MethodGet, "/api/strategies/missing", auth.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, app, http.MethodPost, "/api/strategies/alpha/start", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"alpha"}, strategies.started)

	code, _ = do(t, app, http.MethodPost, "/api/strategies/alpha/stop?leave_open=true", auth.RoleOperator, "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strategies.stopped["alpha"])

	strategies.startErr = domain.NewInternalError("failed to start strategy", domain.ErrVenueDown)
	code, data = do(t, app, http.MethodPost, "/api/strategies/alpha/start", auth.RoleOperator, "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, string(data), domain.ErrVenueDown.Error())
}

func TestTradeRoutes(t *testing.T) {
	app, _, trades := newTestApp(t)

	code, _ := do(t, app, http.MethodGet, "/api/strategies/alpha/trade", auth.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, data := do(t, app, http.MethodGet, "/api/strategies/alpha/trades?page=2&pageSize=500", auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, trades.lastPage)
	assert.Equal(t, 20, trades.lastPageSize)

	var list ListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.EqualValues(t, 41, list.Pagination.Total)
	assert.Equal(t, 3, list.Pagination.TotalPage)

	code, _ = do(t, app, http.MethodGet, "/api/strategies/alpha/stats", auth.RoleViewer, "")
	assert.Equal(t, http.StatusBadRequest, code)
}
