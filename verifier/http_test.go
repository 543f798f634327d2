package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/connectivity"
	"github.com/hazyhaar/ppah/dbopen"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func getReport(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPFlow(t *testing.T) {
	v, _ := testVerifier(t)
	srv := httptest.NewServer(v.Routes())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/session/init", InitRequest{Email: "ana@example.org", WebAuthnCredentialID: "cred-7f3a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init status %d", resp.StatusCode)
	}
	init := decodeBody[InitResponse](t, resp)

	for i := uint64(1); i <= 3; i++ {
		resp := postJSON(t, srv.URL+"/api/verify-hash", segment(t, init.SessionID, i, 90))
		got := decodeBody[chain.Verdict](t, resp)
		if resp.StatusCode != http.StatusOK || !got.Valid {
			t.Fatalf("segment %d: %d %+v", i, resp.StatusCode, got)
		}
	}
	resp = postJSON(t, srv.URL+"/api/verify-hash", segment(t, init.SessionID, 103, 90))
	if got := decodeBody[chain.Verdict](t, resp); got.Valid {
		t.Fatalf("jump accepted: %+v", got)
	}

	// Inactive sessions answer 200 with valid=false.
	resp = postJSON(t, srv.URL+"/api/verify-hash", segment(t, init.SessionID, 4, 90))
	got := decodeBody[chain.Verdict](t, resp)
	if resp.StatusCode != http.StatusOK || got.Valid || got.Reason != "session frozen" {
		t.Fatalf("inactive: %d %+v", resp.StatusCode, got)
	}

	reportURL := srv.URL + "/api/session/" + init.SessionID + "/security-report"
	if resp := getReport(t, reportURL, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("report without token: %d", resp.StatusCode)
	}
	resp = getReport(t, reportURL, init.ReportToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status %d", resp.StatusCode)
	}
	report := decodeBody[Report](t, resp)
	if report.Status != "frozen" || report.TotalSegments != 3 || len(report.Anomalies) != 1 || !report.SecurityLayers.PacketSigning {
		t.Fatalf("report = %+v", report)
	}
	if report.CredentialID != "cred-7f3a" || !report.SecurityLayers.HardwareKey {
		t.Fatalf("credential binding lost: %+v", report)
	}

	other := decodeBody[InitResponse](t, postJSON(t, srv.URL+"/api/session/init", InitRequest{}))
	if resp := getReport(t, reportURL, other.ReportToken); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("report with other session's token: %d", resp.StatusCode)
	}
}

func TestAuthConfig(t *testing.T) {
	v, _ := testVerifier(t)
	srv := httptest.NewServer(v.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/auth/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := decodeBody[AuthConfig](t, resp)
	if resp.StatusCode != http.StatusOK || got.RPID != "localhost" || got.RPName != "PPAH" {
		t.Fatalf("auth config: %d %+v", resp.StatusCode, got)
	}
}

func TestRelyingPartyID(t *testing.T) {
	for host, want := range map[string]string{
		"127.0.0.1:8000":       "localhost",
		"[::1]:8000":           "localhost",
		"localhost":            "localhost",
		"ppah.example.org":     "ppah.example.org",
		"ppah.example.org:443": "ppah.example.org",
	} {
		if got := relyingPartyID(host); got != want {
			t.Errorf("relyingPartyID(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestHTTPErrors(t *testing.T) {
	v, _ := testVerifier(t)
	srv := httptest.NewServer(v.Routes())
	defer srv.Close()

	if resp := postJSON(t, srv.URL+"/api/verify-hash", segment(t, "ghost", 1, 90)); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/verify-hash", map[string]any{"session_id": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields: %d", resp.StatusCode)
	}
	resp, err := http.Post(srv.URL+"/api/verify-hash", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("broken JSON: %d", resp.StatusCode)
	}
}

func TestHTTPServiceEndpoints(t *testing.T) {
	v, _ := testVerifier(t)
	mounted := false
	srv := httptest.NewServer(v.Routes(func(r chi.Router) {
		mounted = true
		r.Get("/extra", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	}))
	defer srv.Close()
	if !mounted {
		t.Fatal("mount not applied")
	}

	resp, _ := http.Get(srv.URL + "/")
	banner := decodeBody[map[string]string](t, resp)
	resp.Body.Close()
	if banner["status"] != "running" || banner["version"] != Version {
		t.Fatalf("banner = %v", banner)
	}

	resp, _ = http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Trace-ID") == "" {
		t.Fatalf("health: %d trace=%q", resp.StatusCode, resp.Header.Get("X-Trace-ID"))
	}

	resp, _ = http.Get(srv.URL + "/extra")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("extra: %d", resp.StatusCode)
	}

	// Drive one of each outcome so the counters show up.
	init := decodeBody[InitResponse](t, postJSON(t, srv.URL+"/api/session/init", InitRequest{}))
	postJSON(t, srv.URL+"/api/verify-hash", segment(t, init.SessionID, 1, 90))

	resp, _ = http.Get(srv.URL + "/metrics")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		"ppah_verifier_sessions_initialized_total 1",
		`ppah_verifier_segments_total{outcome="accepted"} 1`,
		"ppah_verifier_verify_duration_seconds_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestSessionInitRateLimited(t *testing.T) {
	v, _ := testVerifier(t)
	if _, err := v.store.DB.Exec(`UPDATE rate_limits SET max_requests = 2 WHERE endpoint = 'POST /api/session/init'`); err != nil {
		t.Fatal(err)
	}
	v.guards.Limiter.Reload()
	srv := httptest.NewServer(v.Routes())
	defer srv.Close()

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = postJSON(t, srv.URL+"/api/session/init", InitRequest{}).StatusCode
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func mcpSession(t *testing.T, v *Verifier) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "ppah-verifier-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	v.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(impl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text, result.IsError
}

func TestMCPTools(t *testing.T) {
	v, _ := testVerifier(t)
	id := initSession(t, v).SessionID
	verify(t, v, segment(t, id, 1, 77))
	session := mcpSession(t, v)

	text, isErr := callTool(t, session, "ppah_security_report", map[string]any{"session_id": id})
	if isErr {
		t.Fatalf("report tool error: %s", text)
	}
	var report Report
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalSegments != 1 || report.LastTrustScore != 77 {
		t.Fatalf("report = %+v", report)
	}

	text, isErr = callTool(t, session, "ppah_list_sessions", map[string]any{"status": "active"})
	if isErr {
		t.Fatalf("list tool error: %s", text)
	}
	if !strings.Contains(text, id) || strings.Contains(text, testKey) {
		t.Fatalf("list output = %s", text)
	}

	if _, isErr := callTool(t, session, "ppah_security_report", map[string]any{"session_id": "ghost"}); !isErr {
		t.Fatal("unknown session should be a tool error")
	}
}

func TestClientLocal(t *testing.T) {
	v, _ := testVerifier(t)
	router := connectivity.New(connectivity.WithLogger(quietLogger()))
	v.RegisterConnectivity(router)
	c := NewClient(router)
	ctx := context.Background()

	init, err := c.InitSession(ctx, InitRequest{})
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		got, err := c.Verify(ctx, segment(t, init.SessionID, i, 90))
		if err != nil || !got.Valid {
			t.Fatalf("segment %d: %+v %v", i, got, err)
		}
	}
	got, err := c.Verify(ctx, segment(t, init.SessionID, 103, 90))
	if err != nil || got.Valid {
		t.Fatalf("jump: %+v %v", got, err)
	}

	if _, err := c.Verify(ctx, segment(t, "ghost", 1, 90)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ghost err = %v", err)
	}
}

func TestClientOverHTTP(t *testing.T) {
	v, _ := testVerifier(t)
	srv := httptest.NewServer(v.Routes())
	defer srv.Close()

	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES (?, 'http', ?), (?, 'http', ?)`,
		connectivity.ServiceSessionInit, srv.URL+"/api/session/init",
		connectivity.ServiceVerify, srv.URL+"/api/verify-hash")

	router := connectivity.New(connectivity.WithLogger(quietLogger()))
	router.RegisterTransport("http", connectivity.HTTPFactory(connectivity.AllowPrivate()))
	if err := router.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	defer router.Close()

	c := NewClient(router)
	init, err := c.InitSession(context.Background(), InitRequest{})
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	got, err := c.Verify(context.Background(), segment(t, init.SessionID, 1, 90))
	if err != nil || !got.Valid || got.TotalSegments != 1 {
		t.Fatalf("verify: %+v %v", got, err)
	}

	// A 404 is an answer, not a rejection and not a link failure.
	_, err = c.Verify(context.Background(), segment(t, "ghost", 1, 90))
	var status *connectivity.ErrHTTPStatus
	if !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Fatalf("ghost err = %v", err)
	}
	if LinkFailure(err) {
		t.Fatal("404 counted as link failure")
	}
	if !LinkFailure(errors.New("dial tcp: refused")) {
		t.Fatal("transport error not counted")
	}
}

func TestClientNoopRoute(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	db.Exec(`INSERT INTO routes (service_name, strategy) VALUES (?, 'noop')`, connectivity.ServiceVerify)
	router := connectivity.New(connectivity.WithLogger(quietLogger()))
	if err := router.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	_, err := NewClient(router).Verify(context.Background(), segment(t, "s", 1, 90))
	if !errors.Is(err, ErrNoVerdict) {
		t.Fatalf("err = %v", err)
	}
}
