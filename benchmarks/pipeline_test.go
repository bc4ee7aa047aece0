package benchmarks

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"gatewarden/handlers"
	"gatewarden/waf"
	"gatewarden/waf/audit"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/counter"
	"gatewarden/waf/metrics"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/requestid"
	"gatewarden/waf/scanner"

	"github.com/prometheus/client_golang/prometheus"
)

func newGuard(b *testing.B) *waf.Guard {
	b.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blocks, err := blocklist.New(blocklist.Config{}, nil, logger)
	if err != nil {
		b.Fatal(err)
	}
	resolver, err := clientkey.NewResolver(clientkey.Config{})
	if err != nil {
		b.Fatal(err)
	}
	g, err := waf.New(waf.Config{SuspicionBlockThreshold: 1 << 30}, waf.Deps{
		Resolver:   resolver,
		BlockList:  blocks,
		LoginGuard: auth.NewGuard(nil),
		Limiter:    ratelimit.New(counter.NewMemory(nil), ratelimit.Limits{PerMinute: 1 << 30, PerHour: 1 << 30}, nil),
		Detector:   scanner.NewCatalogue(),
		Ledger:     autoban.NewLedger(nil),
		Audit:      audit.New(1024),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Logger:     logger,
	})
	if err != nil {
		b.Fatal(err)
	}
	return g
}

// Baseline: no middleware
func BenchmarkNoMiddleware(b *testing.B) {
	handler := http.HandlerFunc(handlers.Home)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkGuardCleanRequest(b *testing.B) {
	handler := newGuard(b).Protect(waf.RoutePolicy{Name: "home"})(http.HandlerFunc(handlers.Home))
	req := httptest.NewRequest("GET", "/?name=john&email=test@example.com", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkGuardMaliciousRequest(b *testing.B) {
	handler := newGuard(b).Protect(waf.RoutePolicy{})(http.HandlerFunc(handlers.Home))
	req := httptest.NewRequest("GET", "/?q=<script>alert('xss')</script>&sql=1'+OR+'1'='1", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkGuardJSONBody(b *testing.B) {
	handler := newGuard(b).Protect(waf.RoutePolicy{})(&handlers.Invoices{})
	body := `{"customer":"Acme","total":12.5,"lines":[{"sku":"W-1","qty":2},{"sku":"G-7","qty":1}]}`
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/invoices", strings.NewReader(body))
		req.RemoteAddr = "192.168.1.1:1234"
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkGuardFormData(b *testing.B) {
	handler := newGuard(b).Protect(waf.RoutePolicy{})(http.HandlerFunc(handlers.Home))
	form := url.Values{"user": {"alice"}, "comment": {strings.Repeat("lorem ipsum ", 50)}}.Encode()
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/", strings.NewReader(form))
		req.RemoteAddr = "192.168.1.1:1234"
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkFullStackWithRequestID(b *testing.B) {
	handler := requestid.Middleware(
		newGuard(b).Protect(waf.RoutePolicy{})(http.HandlerFunc(handlers.Home)),
	)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

// Parallel execution with distinct client keys
func BenchmarkGuardParallel(b *testing.B) {
	handler := newGuard(b).Protect(waf.RoutePolicy{})(http.HandlerFunc(handlers.Home))

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "10.0." + strconv.Itoa(i%250) + ".1:1234"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			i++
		}
	})
}
