package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gatewarden/waf"
	"gatewarden/waf/audit"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/clock"
	"gatewarden/waf/counter"
	"gatewarden/waf/metrics"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/request"
	"gatewarden/waf/scanner"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clk    *clock.Manual
	guard  *waf.Guard
	blocks *blocklist.List
	audit  *audit.Log
	login  *auth.Guard
	ledger *autoban.Ledger
	store  *counter.Memory
	svc    *Service
}

func newFixture(t *testing.T, archiveDir string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{clk: clock.NewManual(epoch)}

	var err error
	f.blocks, err = blocklist.New(blocklist.Config{Whitelist: []string{"10.0.0.0/8"}}, f.clk, logger)
	require.NoError(t, err)
	resolver, err := clientkey.NewResolver(clientkey.Config{})
	require.NoError(t, err)
	f.audit = audit.New(100, audit.WithClock(f.clk))
	f.login = auth.NewGuard(f.clk)
	f.ledger = autoban.NewLedger(f.clk)
	f.store = counter.NewMemory(f.clk)
	m := metrics.New(prometheus.NewRegistry())

	f.guard, err = waf.New(waf.Config{}, waf.Deps{
		Resolver:   resolver,
		BlockList:  f.blocks,
		LoginGuard: f.login,
		Limiter:    ratelimit.New(f.store, ratelimit.Limits{}, f.clk),
		Detector:   scanner.NewCatalogue(),
		Ledger:     f.ledger,
		Audit:      f.audit,
		Metrics:    m,
		Logger:     logger,
	})
	require.NoError(t, err)

	f.svc, err = NewService(Deps{
		Guard:      f.guard,
		BlockList:  f.blocks,
		Audit:      f.audit,
		LoginGuard: f.login,
		Ledger:     f.ledger,
		Store:      f.store,
		Metrics:    m,
		Clock:      f.clk,
		Logger:     logger,
		ArchiveDir: archiveDir,
	})
	require.NoError(t, err)
	return f
}

// attack pushes one malicious request from addr through the pipeline.
func (f *fixture) attack(t *testing.T, addr, payload string) {
	t.Helper()
	r := httptest.NewRequest("GET", "/search?q="+url.QueryEscape(payload), nil)
	view := request.FromHTTP(r, clientkey.Key{Addr: addr}, request.Options{})
	d := f.guard.Evaluate(context.Background(), view, waf.RoutePolicy{})
	require.Equal(t, waf.ActionRejected, d.Action)
}

func TestBlockIdempotent(t *testing.T) {
	f := newFixture(t, "")

	_, added, err := f.svc.BlockIP("198.51.100.4", "scraping")
	require.NoError(t, err)
	assert.True(t, added)
	_, added, err = f.svc.BlockIP("198.51.100.4", "scraping")
	require.NoError(t, err)
	assert.False(t, added)

	require.Len(t, f.svc.ListBlocks(), 1)
	assert.Equal(t, 2, f.audit.Len())

	_, _, err = f.svc.BlockIP("10.1.2.3", "")
	assert.ErrorIs(t, err, blocklist.ErrWhitelisted)
}

func TestSecurityStats(t *testing.T) {
	f := newFixture(t, "")
	f.attack(t, "192.0.2.1", "<script>alert(1)</script>")
	f.attack(t, "192.0.2.1", "' OR 1=1")
	f.clk.Advance(time.Hour)
	f.attack(t, "192.0.2.2", "../../etc/passwd")
	_, _, err := f.svc.BlockIP("198.51.100.4", "")
	require.NoError(t, err)
	f.login.Record("192.0.2.9", auth.Failure)

	stats := f.svc.SecurityStats(time.Time{}, time.Time{})
	assert.Equal(t, 3, stats.Attacks)
	assert.Equal(t, map[string]int{"xss": 1, "sqli": 1, "traversal": 1}, stats.ByCategory)
	assert.Equal(t, 2, stats.ByClient["192.0.2.1"])
	assert.Equal(t, 1, stats.ManualBlocks)
	assert.Equal(t, 1, stats.ActiveBlocks)
	assert.Equal(t, 1, stats.Logins.Failures)
	assert.Equal(t, 2, stats.Tracked.Suspicion)
	assert.Equal(t, f.clk.Now(), stats.Until)
	assert.Equal(t, f.clk.Now().Add(-DefaultStatsWindow), stats.Since)
	require.Len(t, stats.Daily, 1)
	assert.Equal(t, "2026-03-02", stats.Daily[0].Day)

	// half-open window: since inclusive, until exclusive
	first := f.svc.SecurityStats(epoch, epoch.Add(time.Hour))
	assert.Equal(t, 2, first.Attacks)

	before := f.store.Len()
	f.svc.SecurityStats(epoch, epoch.Add(time.Hour))
	assert.Equal(t, before, f.store.Len(), "stats are read only")
}

func TestCleanupOldData(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	f.attack(t, "192.0.2.1", "<script>")
	f.attack(t, "192.0.2.1", "<script>")
	f.clk.Advance(10 * 24 * time.Hour)
	f.attack(t, "192.0.2.3", "<script>")

	_, err := f.svc.CleanupOldData(0)
	require.ErrorIs(t, err, ErrInvalidRetention)

	res, err := f.svc.CleanupOldData(7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AuditRemoved)
	assert.Equal(t, 1, res.SuspicionPruned)
	assert.Equal(t, 1, f.audit.Len())
	require.NotEmpty(t, res.Archive)

	archived, err := audit.ReadArchive(res.Archive)
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "192.0.2.1", archived[0].IP)

	res, err = f.svc.CleanupOldData(7)
	require.NoError(t, err)
	assert.Zero(t, res.AuditRemoved)
	assert.Empty(t, res.Archive)
}

func serveLocal(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRouterLoopbackOnly(t *testing.T) {
	f := newFixture(t, "")
	h := NewRouter(f.svc, RouterOptions{})

	r := httptest.NewRequest("GET", "/admin/blocks", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r.RemoteAddr = "[::1]:1234"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterBlocks(t *testing.T) {
	f := newFixture(t, "")
	h := NewRouter(f.svc, RouterOptions{})

	w := serveLocal(h, "POST", "/admin/blocks", `{"ip":"198.51.100.4","reason":"abuse"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp BlockResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Added)
	assert.Equal(t, blocklist.Manual, resp.Entry.Origin)

	w = serveLocal(h, "POST", "/admin/blocks", `{"ip":"198.51.100.4","reason":"abuse"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serveLocal(h, "POST", "/admin/blocks", `{"ip":"10.0.0.1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serveLocal(h, "POST", "/admin/blocks", `{"ip":"not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must be a valid IP address")

	w = serveLocal(h, "POST", "/admin/blocks", `{"ip":"198.51.100.4","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serveLocal(h, "GET", "/admin/blocks", "")
	var entries []blocklist.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 1)

	w = serveLocal(h, "DELETE", "/admin/blocks/198.51.100.4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ip":"198.51.100.4","removed":true}`, w.Body.String())

	w = serveLocal(h, "DELETE", "/admin/blocks/198.51.100.4", "")
	assert.JSONEq(t, `{"ip":"198.51.100.4","removed":false}`, w.Body.String())
}

func TestRouterStatsAndCleanup(t *testing.T) {
	f := newFixture(t, "")
	h := NewRouter(f.svc, RouterOptions{})
	f.attack(t, "192.0.2.1", "<script>")

	w := serveLocal(h, "GET", "/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats SecurityStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Attacks)

	w = serveLocal(h, "GET", "/admin/stats?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serveLocal(h, "GET", "/admin/stats?since=2026-03-02T11:00:00Z&until=2026-03-02T10:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serveLocal(h, "POST", "/admin/cleanup", `{"retention_days":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serveLocal(h, "POST", "/admin/cleanup", `{"retention_days":30}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterRateLimited(t *testing.T) {
	f := newFixture(t, "")
	h := NewRouter(f.svc, RouterOptions{RequestsPerMinute: 2})

	assert.Equal(t, http.StatusOK, serveLocal(h, "GET", "/admin/blocks", "").Code)
	assert.Equal(t, http.StatusOK, serveLocal(h, "GET", "/admin/blocks", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveLocal(h, "GET", "/admin/blocks", "").Code)
}

func TestRouterMountsExtras(t *testing.T) {
	f := newFixture(t, "")
	h := NewRouter(f.svc, RouterOptions{
		Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") }),
	})
	w := serveLocal(h, "GET", "/health", "")
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, http.StatusNotFound, serveLocal(h, "GET", "/metrics", "").Code)
}

func TestClient(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(NewRouter(f.svc, RouterOptions{}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	resp, err := c.Block(ctx, "198.51.100.7", "manual test")
	require.NoError(t, err)
	assert.True(t, resp.Added)

	entries, err := c.Blocks(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manual test", entries[0].Reason)

	stats, err := c.Stats(ctx, epoch.Add(-time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ManualBlocks)

	un, err := c.Unblock(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.True(t, un.Removed)

	res, err := c.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, res.AuditRemoved)

	_, err = c.Block(ctx, "bogus", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_failed", apiErr.Code)
}
