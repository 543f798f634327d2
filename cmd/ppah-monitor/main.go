// Command ppah-monitor runs one continuous-integrity session against a
// synthetic camera and reports it to a PPAH verifier.
//
// Usage:
//
//	ppah-monitor --verifier http://127.0.0.1:8000
//	ppah-monitor --local --duration 2m --swap-after 1m
//	ppah-monitor --verifier http://host:8000 --signal ws://host:8000/ws/call-42
//
// With --signal the monitor answers the other peer's WebRTC offer and
// mirrors status snapshots onto the "ppah-status" data channel the peer
// opens. The session stops when the peer leaves the room or the peer
// connection fails, closes or drops.
//
// Metrics, audit entries and the service routes live in the --db SQLite
// file. Editing the routes table while the monitor runs reroutes calls
// (for instance analysis to an offload host).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/ppah/analysis"
	"github.com/hazyhaar/ppah/connectivity"
	"github.com/hazyhaar/ppah/dbopen"
	"github.com/hazyhaar/ppah/engine"
	"github.com/hazyhaar/ppah/idgen"
	"github.com/hazyhaar/ppah/observability"
	"github.com/hazyhaar/ppah/peerlink"
	"github.com/hazyhaar/ppah/signaling"
	"github.com/hazyhaar/ppah/signer"
	"github.com/hazyhaar/ppah/verifier"
)

var errCameraClosed = errors.New("synthetic camera closed")

type options struct {
	configPath  string
	verifierURL string
	local       bool
	localDB     string
	dbPath      string
	email       string
	credential  string
	signalURL   string
	stun        []string
	cameraLabel string
	duration    time.Duration
	swapAfter   time.Duration
	statusEvery time.Duration
	logLevel    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ppah-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("ppah-monitor", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "engine YAML config (default: built-in settings)")
	flagSet.StringVar(&opts.verifierURL, "verifier", "http://127.0.0.1:8000", "verifier base URL")
	flagSet.BoolVar(&opts.local, "local", false, "run the verifier in-process")
	flagSet.StringVar(&opts.localDB, "local-db", "ppah_local_verifier.db", "verifier database for --local")
	flagSet.StringVar(&opts.dbPath, "db", "ppah_monitor.db", "metrics, audit and routes database")
	flagSet.StringVar(&opts.email, "email", "", "email attached to the session")
	flagSet.StringVar(&opts.credential, "credential", "", "WebAuthn credential ID the user signed in with")
	flagSet.StringVar(&opts.signalURL, "signal", "", "signaling room URL; the session stops when the peer leaves")
	flagSet.StringSliceVar(&opts.stun, "stun", nil, "STUN server URL for the call's peer connection (repeatable)")
	flagSet.StringVar(&opts.cameraLabel, "camera", "Synthetic Camera", "camera label")
	flagSet.DurationVar(&opts.duration, "duration", 0, "stop after this long (0: until interrupted)")
	flagSet.DurationVar(&opts.swapAfter, "swap-after", 0, "switch the synthetic subject after this long (0: never)")
	flagSet.DurationVar(&opts.statusEvery, "status-every", 5*time.Second, "status log interval")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	return monitor(ctx, logger, opts)
}

func monitor(ctx context.Context, logger *slog.Logger, opts options) error {
	cfg := engine.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}

	db, err := dbopen.Open(opts.dbPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(connectivity.Schema))
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.dbPath, err)
	}
	defer db.Close()

	metrics := observability.NewMetricsManager(db, 256, 5*time.Second, logger)
	defer metrics.Close()
	audit := observability.NewAuditLogger(db, 256, observability.WithAuditLogger(logger))
	defer audit.Close()

	breaker := connectivity.NewCircuitBreaker()
	router := newRouter(logger, metrics, breaker)
	defer router.Close()

	if opts.local {
		v, err := verifier.New(&verifier.Config{
			DBPath:      opts.localDB,
			TokenSecret: idgen.Hex(32)(),
		}, logger)
		if err != nil {
			return fmt.Errorf("local verifier: %w", err)
		}
		defer v.Close()
		go v.Run(ctx)
		v.RegisterConnectivity(router)
	}
	if err := writeRoutes(ctx, connectivity.NewAdmin(db), opts); err != nil {
		return err
	}
	if err := router.Reload(ctx, db); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	for _, svc := range []string{connectivity.ServiceSessionInit, connectivity.ServiceVerify, connectivity.ServiceAnalysis} {
		info, ok := router.Inspect(svc)
		if !ok {
			return fmt.Errorf("service %s is not routable", svc)
		}
		logger.Info("monitor: route", "service", svc, "strategy", info.Strategy, "endpoint", info.Endpoint, "remote", info.Remote)
	}
	go router.Watch(ctx, db, 5*time.Second)

	client := verifier.NewClient(router)
	camera := newSynthCamera(opts.cameraLabel, opts.swapAfter)
	created, err := client.InitSession(ctx, verifier.InitRequest{
		Email:                opts.email,
		CameraFingerprint:    camera.Label(),
		WebAuthnCredentialID: opts.credential,
	})
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	logger.Info("monitor: session initialized", "session_id", created.SessionID, "camera_locked", created.CameraLocked)

	sgn, err := signer.NewHMAC(created.SessionID, []byte(created.SessionKey))
	if err != nil {
		return err
	}

	sess, err := engine.Start(ctx, created.SessionID, cfg, engine.Deps{
		Camera:    camera,
		Landmarks: newSynthLandmarks(3 * time.Second),
		Signer:    sgn,
		Verifier:  client,
		Analyzer: func(ctx context.Context, payload []byte) ([]byte, error) {
			return router.Call(ctx, connectivity.ServiceAnalysis, payload)
		},
		Network: breaker,
		Metrics: metrics,
		Audit:   audit,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer sess.Stop()

	var mirror func(engine.Snapshot)
	if opts.signalURL != "" {
		sc, err := signaling.Dial(ctx, opts.signalURL, nil)
		if err != nil {
			return err
		}
		defer sc.Close()
		link := peerlink.New(stopOnGone(sess, logger))
		peer, err := newCallPeer(link, sc, opts.stun, logger)
		if err != nil {
			return err
		}
		defer peer.Close()
		mirror = peer.mirror
		go link.Follow(ctx, sc.Messages(), func(m signaling.Message) {
			logger.Debug("monitor: signaling message", "type", m.Type)
			if err := peer.handle(m); err != nil {
				logger.Warn("monitor: negotiation", "type", m.Type, "error", err)
			}
		})
	}

	go reportStatus(ctx, logger, sess, opts.statusEvery, mirror)

	runErr := sess.Run(ctx)
	sess.Stop()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(struct {
		Snapshot    engine.Snapshot `json:"snapshot"`
		ReportToken string          `json:"report_token"`
	}{sess.Snapshot(), created.ReportToken})

	if errors.Is(runErr, engine.ErrFrozen) {
		return runErr
	}
	return nil
}

// newRouter wires the call stacks. Only session init and segment
// verification feed the breaker that the engine reads as network health.
func newRouter(logger *slog.Logger, metrics *observability.MetricsManager, breaker *connectivity.CircuitBreaker) *connectivity.Router {
	router := connectivity.New(connectivity.WithLogger(logger))
	router.RegisterTransport("http", connectivity.HTTPFactory(connectivity.AllowPrivate()))
	router.RegisterLocal(connectivity.ServiceAnalysis, analysis.Handler())

	router.Use(connectivity.ServiceVerify, connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.Logging(logger, connectivity.ServiceVerify),
		connectivity.WithObservability(metrics, connectivity.ServiceVerify),
		connectivity.WithCircuitBreaker(breaker, connectivity.ServiceVerify, verifier.LinkFailure),
		connectivity.WithRetry(2, 100*time.Millisecond, verifier.LinkFailure, logger),
		connectivity.Timeout(3*time.Second),
	))
	router.Use(connectivity.ServiceSessionInit, connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.Logging(logger, connectivity.ServiceSessionInit),
		connectivity.WithRetry(3, 500*time.Millisecond, verifier.LinkFailure, logger),
		connectivity.Timeout(5*time.Second),
	))
	router.Use(connectivity.ServiceAnalysis, connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.WithObservability(metrics, connectivity.ServiceAnalysis),
		connectivity.WithFallback(analysis.Handler(), connectivity.ServiceAnalysis, logger),
	))
	return router
}

// writeRoutes points the verifier services at the remote URL, or at the
// in-process handlers with --local. An existing analysis route is kept.
func writeRoutes(ctx context.Context, admin *connectivity.Admin, opts options) error {
	base := strings.TrimRight(opts.verifierURL, "/")
	routes := []struct{ service, path string }{
		{connectivity.ServiceSessionInit, "/api/session/init"},
		{connectivity.ServiceVerify, "/api/verify-hash"},
	}
	for _, rt := range routes {
		strategy, endpoint := "http", base+rt.path
		if opts.local {
			strategy, endpoint = "local", ""
		}
		if err := admin.UpsertRoute(ctx, rt.service, strategy, endpoint, nil); err != nil {
			return fmt.Errorf("route %s: %w", rt.service, err)
		}
	}
	return nil
}

// reportStatus logs the session state every interval and hands each
// snapshot to mirror, which may be nil.
func reportStatus(ctx context.Context, logger *slog.Logger, sess *engine.Session, every time.Duration, mirror func(engine.Snapshot)) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Frozen():
			return
		case <-ticker.C:
			snap := sess.Snapshot()
			logger.Info("monitor: status",
				"score", snap.Score,
				"state", snap.State.String(),
				"mode", snap.Mode.String(),
				"interval_ms", snap.Interval.Milliseconds(),
				"segments", snap.Segments,
				"challenge", snap.ChallengeText,
				"blur", snap.Blur)
			if mirror != nil {
				mirror(snap)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
