package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ppah/dbopen"
	"github.com/hazyhaar/ppah/kit"
	"github.com/hazyhaar/ppah/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echo(_ context.Context, p []byte) ([]byte, error) { return p, nil }

// stubFactory counts builds and closes.
func stubFactory(built, closed *int32, resp string) TransportFactory {
	return func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		atomic.AddInt32(built, 1)
		h := func(context.Context, []byte) ([]byte, error) { return []byte(resp + ":" + endpoint), nil }
		return h, func() { atomic.AddInt32(closed, 1) }, nil
	}
}

func TestCallLocal(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal(ServiceAnalysis, echo)

	resp, err := r.Call(context.Background(), ServiceAnalysis, []byte("frame"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != "frame" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestCallServiceNotFound(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	_, err := r.Call(context.Background(), ServiceVerify, nil)
	var nf *ErrServiceNotFound
	if !errors.As(err, &nf) || nf.Service != ServiceVerify {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestReloadNoop(t *testing.T) {
	db := setupTestDB(t)
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal(ServiceVerify, func(context.Context, []byte) ([]byte, error) {
		t.Fatal("local handler must not run for a noop route")
		return nil, nil
	})
	if err := NewAdmin(db).UpsertRoute(context.Background(), ServiceVerify, "noop", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Call(context.Background(), ServiceVerify, []byte("x"))
	if err != nil || resp != nil {
		t.Fatalf("noop: resp=%q err=%v", resp, err)
	}
}

func TestReloadRemoteOverridesLocal(t *testing.T) {
	db := setupTestDB(t)
	var built, closed int32
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal(ServiceVerify, echo)
	r.RegisterTransport("http", stubFactory(&built, &closed, "remote"))

	admin := NewAdmin(db)
	ctx := context.Background()
	admin.UpsertRoute(ctx, ServiceVerify, "http", "http://a", nil)
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	resp, _ := r.Call(ctx, ServiceVerify, []byte("x"))
	if string(resp) != "remote:http://a" {
		t.Fatalf("resp = %q", resp)
	}

	// Unchanged route keeps its handler.
	r.Reload(ctx, db)
	if built != 1 {
		t.Fatalf("built = %d after unchanged reload, want 1", built)
	}

	// Changed endpoint rebuilds and closes the old one.
	admin.UpsertRoute(ctx, ServiceVerify, "http", "http://b", nil)
	r.Reload(ctx, db)
	if built != 2 || closed != 1 {
		t.Fatalf("built=%d closed=%d, want 2 and 1", built, closed)
	}

	// Removed route falls back to local.
	if err := admin.DeleteRoute(ctx, ServiceVerify); err != nil {
		t.Fatal(err)
	}
	r.Reload(ctx, db)
	if closed != 2 {
		t.Fatalf("closed = %d after delete, want 2", closed)
	}
	resp, _ = r.Call(ctx, ServiceVerify, []byte("x"))
	if string(resp) != "x" {
		t.Fatalf("resp after delete = %q, want local echo", resp)
	}
}

func TestReloadSkipsUnknownStrategyFactory(t *testing.T) {
	db := setupTestDB(t)
	r := New(WithLogger(quietLogger()))
	NewAdmin(db).UpsertRoute(context.Background(), ServiceVerify, "http", "http://a", nil)
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Call(context.Background(), ServiceVerify, nil); err == nil {
		t.Fatal("route without factory should not be callable")
	}
}

func TestUseWrapsRemoteHandlers(t *testing.T) {
	db := setupTestDB(t)
	var built, closed int32
	r := New(WithLogger(quietLogger()))
	r.RegisterTransport("http", stubFactory(&built, &closed, "remote"))
	var wrapped int32
	r.Use(ServiceVerify, func(next Handler) Handler {
		return func(ctx context.Context, p []byte) ([]byte, error) {
			atomic.AddInt32(&wrapped, 1)
			return next(ctx, p)
		}
	})
	NewAdmin(db).UpsertRoute(context.Background(), ServiceVerify, "http", "http://a", nil)
	r.Reload(context.Background(), db)
	r.Call(context.Background(), ServiceVerify, nil)
	if wrapped != 1 {
		t.Fatalf("middleware ran %d times, want 1", wrapped)
	}
}

func TestInspect(t *testing.T) {
	db := setupTestDB(t)
	var built, closed int32
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal(ServiceAnalysis, echo)
	r.RegisterTransport("http", stubFactory(&built, &closed, "remote"))

	info, ok := r.Inspect(ServiceAnalysis)
	if !ok || info.Strategy != "local" || !info.HasLocal {
		t.Fatalf("info = %+v ok=%v", info, ok)
	}
	if _, ok := r.Inspect(ServiceVerify); ok {
		t.Fatal("unrouted service should not inspect")
	}

	NewAdmin(db).UpsertRoute(context.Background(), ServiceVerify, "http", "http://v", nil)
	r.Reload(context.Background(), db)
	info, ok = r.Inspect(ServiceVerify)
	if !ok || info.Strategy != "http" || info.Endpoint != "http://v" || !info.Remote || info.HasLocal {
		t.Fatalf("info = %+v", info)
	}

	NewAdmin(db).UpsertRoute(context.Background(), ServiceAnalysis, "noop", "", nil)
	r.Reload(context.Background(), db)
	info, ok = r.Inspect(ServiceAnalysis)
	if !ok || info.Strategy != "noop" || info.Remote {
		t.Fatalf("noop info = %+v", info)
	}
}

func TestClose(t *testing.T) {
	db := setupTestDB(t)
	var built, closed int32
	r := New(WithLogger(quietLogger()))
	r.RegisterTransport("http", stubFactory(&built, &closed, "remote"))
	NewAdmin(db).UpsertRoute(context.Background(), ServiceVerify, "http", "http://a", nil)
	r.Reload(context.Background(), db)
	r.Close()
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}
}

func TestAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	admin := NewAdmin(db)
	ctx := context.Background()

	if rt, err := admin.GetRoute(ctx, ServiceVerify); err != nil || rt != nil {
		t.Fatalf("missing route: %v %v", rt, err)
	}
	admin.UpsertRoute(ctx, ServiceVerify, "http", "http://v", json.RawMessage(`{"timeout_ms":2000}`))
	admin.UpsertRoute(ctx, ServiceAnalysis, "local", "", nil)

	rows, err := admin.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ServiceName != ServiceAnalysis {
		t.Fatalf("rows = %+v", rows)
	}
	rt, _ := admin.GetRoute(ctx, ServiceVerify)
	if rt == nil || string(rt.Config) != `{"timeout_ms":2000}` {
		t.Fatalf("route = %+v", rt)
	}
	if err := admin.DeleteRoute(ctx, "nope"); err == nil {
		t.Fatal("deleting a missing route should fail")
	}
	if _, err := db.Exec(`INSERT INTO routes (service_name, strategy) VALUES ('x', 'grpc')`); err == nil {
		t.Fatal("unknown strategy should violate the CHECK constraint")
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	if cb.Degraded() {
		t.Fatal("new breaker should be closed")
	}
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen || cb.Allow() || !cb.Degraded() {
		t.Fatal("expected open after 3 failures")
	}
	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen || !cb.Allow() {
		t.Fatal("expected half-open after reset timeout")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
		WithBreakerClock(func() time.Time { return now }),
	)
	cb.RecordFailure()
	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestWithCircuitBreakerCountsOnlyLinkErrors(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	errRejected := errors.New("rejected")
	errLink := errors.New("link down")
	var next error
	base := func(context.Context, []byte) ([]byte, error) { return nil, next }
	h := WithCircuitBreaker(cb, ServiceVerify, func(err error) bool { return !errors.Is(err, errRejected) })(base)

	next = errRejected
	h(context.Background(), nil)
	if cb.Degraded() {
		t.Fatal("an application rejection must not trip the breaker")
	}

	next = errLink
	h(context.Background(), nil)
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestWithRetry(t *testing.T) {
	var attempts int
	base := func(context.Context, []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}
	resp, err := WithRetry(3, time.Millisecond, nil, quietLogger())(base)(context.Background(), nil)
	if err != nil || string(resp) != "ok" || attempts != 3 {
		t.Fatalf("resp=%q err=%v attempts=%d", resp, err, attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	var attempts int
	errFinal := errors.New("final")
	base := func(context.Context, []byte) ([]byte, error) {
		attempts++
		return nil, errFinal
	}
	_, err := WithRetry(5, time.Millisecond, func(err error) bool { return !errors.Is(err, errFinal) }, nil)(base)(context.Background(), nil)
	if !errors.Is(err, errFinal) || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	base := func(context.Context, []byte) ([]byte, error) {
		attempts++
		cancel()
		return nil, errors.New("fail")
	}
	if _, err := WithRetry(5, time.Second, nil, nil)(base)(ctx, nil); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestWithFallback(t *testing.T) {
	failing := func(context.Context, []byte) ([]byte, error) { return nil, errors.New("remote down") }
	resp, err := WithFallback(echo, ServiceAnalysis, quietLogger())(failing)(context.Background(), []byte("local"))
	if err != nil || string(resp) != "local" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
}

func TestWithFallbackSkipsClientErrors(t *testing.T) {
	var localCalled bool
	local := func(context.Context, []byte) ([]byte, error) { localCalled = true; return nil, nil }
	rejected := func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrHTTPStatus{Endpoint: "http://offload", Code: http.StatusBadRequest}
	}
	var status *ErrHTTPStatus
	if _, err := WithFallback(local, ServiceAnalysis, nil)(rejected)(context.Background(), nil); !errors.As(err, &status) {
		t.Fatalf("err = %v", err)
	}
	if localCalled {
		t.Fatal("fallback must not run on a 4xx")
	}

	unavailable := func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrHTTPStatus{Endpoint: "http://offload", Code: http.StatusServiceUnavailable}
	}
	if _, err := WithFallback(local, ServiceAnalysis, nil)(unavailable)(context.Background(), nil); err != nil || !localCalled {
		t.Fatalf("5xx: err = %v local = %v", err, localCalled)
	}
}

func TestWithFallbackSkipsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failing := func(ctx context.Context, _ []byte) ([]byte, error) { return nil, ctx.Err() }
	var localCalled bool
	local := func(context.Context, []byte) ([]byte, error) { localCalled = true; return nil, nil }
	if _, err := WithFallback(local, ServiceAnalysis, nil)(failing)(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if localCalled {
		t.Fatal("fallback must not run after cancellation")
	}
}

func TestChainAndTimeout(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	slow := func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := Chain(mw("a"), mw("b"), Timeout(10*time.Millisecond))(slow)
	_, err := h(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "no answer within 10ms") {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}

func TestRecovery(t *testing.T) {
	boom := func(context.Context, []byte) ([]byte, error) { panic("boom") }
	_, err := Recovery(quietLogger())(boom)(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPFactoryRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/cbor" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) == "fail" {
			http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
			return
		}
		w.Write(append([]byte("got:"), body...))
	}))
	defer srv.Close()

	f := HTTPFactory(AllowPrivate(), WithHTTPClient(srv.Client()))
	h, closeFn, err := f(srv.URL, json.RawMessage(`{"content_type":"application/cbor"}`))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer closeFn()

	resp, err := h(context.Background(), []byte("seg"))
	if err != nil || string(resp) != "got:seg" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}

	resp, err = h(context.Background(), []byte("fail"))
	var st *ErrHTTPStatus
	if !errors.As(err, &st) || st.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want ErrHTTPStatus 403", err)
	}
	if len(resp) == 0 {
		t.Fatal("error body should be returned")
	}
}

func TestHTTPFactoryRejectsPrivateURL(t *testing.T) {
	f := HTTPFactory()
	for _, u := range []string{"http://127.0.0.1:8080", "http://10.0.0.1/verify", "ftp://example.com"} {
		if _, _, err := f(u, nil); err == nil {
			t.Fatalf("%s: expected rejection", u)
		}
	}
}

func TestWithObservabilityRecordsCalls(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(db, 100, time.Hour, quietLogger())

	failing := func(context.Context, []byte) ([]byte, error) { return nil, errors.New("x") }
	ctx := kit.WithSessionID(context.Background(), "sess-1")
	WithObservability(mm, ServiceVerify)(echo)(ctx, nil)
	WithObservability(mm, ServiceVerify)(failing)(ctx, nil)
	mm.Close()

	durations, _ := mm.Query(context.Background(), observability.MetricCallDurationMs, "sess-1", 0)
	errs, _ := mm.Query(context.Background(), observability.MetricCallError, "sess-1", 0)
	if len(durations) != 2 || len(errs) != 1 {
		t.Fatalf("durations=%d errors=%d, want 2 and 1", len(durations), len(errs))
	}
	if durations[0].Labels["service"] != ServiceVerify {
		t.Fatalf("labels = %v", durations[0].Labels)
	}
}

func TestWatchDetectsChanges(t *testing.T) {
	// data_version only moves when another connection writes, so use a file
	// with two handles.
	path := t.TempDir() + "/routes.db"
	writer, err := dbopen.Open(path, dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { writer.Close() })
	reader, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reader.Close() })

	var built, closed int32
	r := New(WithLogger(quietLogger()))
	r.RegisterTransport("http", stubFactory(&built, &closed, "remote"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx, reader, 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if _, err := writer.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES (?, 'http', 'http://v')`, ServiceVerify); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&built) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not rebuild the route")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
