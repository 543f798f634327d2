package shield

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ppah/dbopen"
	"github.com/hazyhaar/ppah/kit"
)

func setupShieldDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMaintenanceOff(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db, quietLogger())

	w := serve(mm.Middleware(okHandler()), "POST", "/api/verify-hash")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("code=%d body=%q", w.Code, w.Body.String())
	}
}

func TestMaintenanceOn(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1, message = 'rotating keys' WHERE id = 1`)
	mm := NewMaintenanceMode(db, quietLogger(), "/health")
	h := mm.Middleware(okHandler())

	w := serve(h, "POST", "/api/verify-hash")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("Retry-After = %q", ra)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "rotating keys" {
		t.Errorf("body = %v", body)
	}

	if w := serve(h, "GET", "/health"); w.Code != http.StatusOK {
		t.Errorf("/health should bypass maintenance, got %d", w.Code)
	}
}

func TestMaintenanceNoTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	mm := NewMaintenanceMode(db, quietLogger())
	if mm.Active() {
		t.Fatal("expected maintenance off when table missing")
	}
	if mm.Message() != defaultMaintenanceMessage {
		t.Fatalf("message = %q", mm.Message())
	}
}

func TestMaintenanceToggle(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db, quietLogger())

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	mm.Reload()
	if !mm.Active() {
		t.Fatal("expected on after toggle")
	}
	db.Exec(`UPDATE maintenance SET active = 0 WHERE id = 1`)
	mm.Reload()
	if mm.Active() {
		t.Fatal("expected off after second toggle")
	}
}

func TestRateLimiterSessionInit(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE rate_limits SET max_requests = 2 WHERE endpoint = 'POST /api/session/init'`)
	rl := NewRateLimiter(db, quietLogger())
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		if w := serve(h, "POST", "/api/session/init"); w.Code != http.StatusOK {
			t.Fatalf("request %d: code %d", i, w.Code)
		}
	}
	w := serve(h, "POST", "/api/session/init")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request code = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// Unlisted endpoints are never limited.
	for i := 0; i < 10; i++ {
		if w := serve(h, "POST", "/api/verify-hash"); w.Code != http.StatusOK {
			t.Fatalf("verify-hash limited at %d", i)
		}
	}

	now = now.Add(61 * time.Second)
	if w := serve(h, "POST", "/api/session/init"); w.Code != http.StatusOK {
		t.Fatalf("after window: code %d", w.Code)
	}

	now = now.Add(10 * time.Minute)
	rl.gc()
	n := 0
	rl.buckets.Range(func(_, _ any) bool { n++; return true })
	if n != 0 {
		t.Fatalf("buckets after gc = %d", n)
	}
}

func TestRateLimiterDisabledRule(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE rate_limits SET max_requests = 1, enabled = 0`)
	rl := NewRateLimiter(db, quietLogger())
	h := rl.Middleware(okHandler())
	for i := 0; i < 3; i++ {
		if w := serve(h, "POST", "/api/session/init"); w.Code != http.StatusOK {
			t.Fatalf("disabled rule enforced at %d", i)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := ExtractIP(req); got != "192.0.2.7" {
		t.Errorf("RemoteAddr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Errorf("XFF: %q", got)
	}
}

func TestTraceID(t *testing.T) {
	var gotTrace, gotAddr string
	h := TraceIDWith(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = kit.GetTraceID(r.Context())
		gotAddr = kit.GetRemoteAddr(r.Context())
		if GetLogger(r.Context()) == slog.Default() {
			t.Error("per-request logger not installed")
		}
	}))

	w := serve(h, "GET", "/")
	if len(gotTrace) != 8 || w.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatalf("trace = %q header = %q", gotTrace, w.Header().Get("X-Trace-ID"))
	}
	if gotAddr != "10.0.0.1" {
		t.Errorf("remote addr = %q", gotAddr)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "monitor-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotTrace != "monitor-42" {
		t.Errorf("incoming trace not kept: %q", gotTrace)
	}

	req.Header.Set("X-Trace-ID", "bad id\n")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotTrace == "bad id\n" {
		t.Error("malformed trace id accepted")
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))
	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge || !strings.Contains(w.Body.String(), "too large") {
		t.Fatalf("declared length: code = %d body = %q", w.Code, w.Body.String())
	}

	// Unknown length: the cap trips on read.
	req = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("chunked: code = %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader("small"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("small body: code = %d", w.Code)
	}
}

func TestDefaultAPIStack(t *testing.T) {
	db := setupShieldDB(t)
	stack, guards := DefaultAPIStack(db, quietLogger())
	if guards.Maintenance == nil || guards.Limiter == nil {
		t.Fatal("guards not returned")
	}
	var h http.Handler = okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	w := serve(h, "HEAD", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" ||
		w.Header().Get("Cache-Control") != "no-store" ||
		w.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("headers = %v", w.Header())
	}

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	guards.Maintenance.Reload()
	if w := serve(h, "GET", "/health"); w.Code != http.StatusOK {
		t.Errorf("/health blocked in maintenance: %d", w.Code)
	}
	if w := serve(h, "GET", "/"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ during maintenance: %d", w.Code)
	}
}
