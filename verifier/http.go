package verifier

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/ppah/auth"
	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/shield"
)

// Routes returns the verifier HTTP API behind the shield stack. mounts add
// routes on the same router (the signaling hub in ppahd).
//
//	GET  /api/auth/config                    (WebAuthn relying party)
//	POST /api/session/init
//	POST /api/verify-hash
//	GET  /api/session/{id}/security-report   (Bearer report token)
//	GET  /  /health  /metrics
func (v *Verifier) Routes(mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	for _, mw := range v.stack {
		r.Use(mw)
	}

	r.Get("/", v.handleBanner)
	r.Get("/health", v.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(v.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/config", v.handleAuthConfig)
		r.Post("/session/init", v.handleInit)
		r.Post("/verify-hash", v.handleVerify)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware([]byte(v.config.TokenSecret)))
			r.Use(auth.RequireSession(func(req *http.Request) string {
				return chi.URLParam(req, "id")
			}))
			r.Get("/session/{id}/security-report", v.handleReport)
		})
	})

	for _, m := range mounts {
		m(r)
	}
	return r
}

func (v *Verifier) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "PPAH Verification API",
		"status":  "running",
		"version": Version,
		"storage": "SQLite",
	})
}

func (v *Verifier) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := v.store.DB.PingContext(r.Context()); err != nil {
		shield.GetLogger(r.Context()).Error("verifier: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthConfig tells the client which relying party to run the WebAuthn
// ceremony against before init.
type AuthConfig struct {
	RPID   string `json:"rpId"`
	RPName string `json:"rpName"`
}

func (v *Verifier) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AuthConfig{RPID: relyingPartyID(r.Host), RPName: v.config.RPName})
}

// relyingPartyID is the request host without port. Loopback addresses map
// to "localhost", the only non-domain ID browsers accept.
func relyingPartyID(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return host
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	return host
}

func (v *Verifier) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	resp, err := v.InitSession(r.Context(), req)
	if err != nil {
		v.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (v *Verifier) handleVerify(w http.ResponseWriter, r *http.Request) {
	var rec chain.SegmentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	verdict, err := v.VerifySegment(r.Context(), rec)
	if err != nil {
		v.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (v *Verifier) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := v.SecurityReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		v.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail maps service errors to status codes. Internal errors are logged and
// not echoed.
func (v *Verifier) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		shield.GetLogger(r.Context()).Error("verifier: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
