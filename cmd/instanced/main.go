package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"keyscape.gg/internal/instance"
	"keyscape.gg/internal/persistence/indexdb"
	"keyscape.gg/internal/persistence/journal"
	"keyscape.gg/internal/persistence/snapshot"
	"keyscape.gg/internal/session"
	"keyscape.gg/internal/sim/tuning"
	"keyscape.gg/internal/sim/world"
	"keyscape.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":9400", "http listen address")
		instanceID = flag.String("instance", "instance_1", "instance id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		bootPath   = flag.String("bootstrap", "", "path to bootstrap.json (default: <configs>/bootstrap.json)")
		keyFile    = flag.String("token_key_file", "", "path to hex-encoded token signing key (or set KC_TOKEN_KEY)")
		tlsCert    = flag.String("tls_cert", os.Getenv("KC_TLS_CERT"), "path to TLS certificate (default: KC_TLS_CERT)")
		tlsKey     = flag.String("tls_key", os.Getenv("KC_TLS_KEY"), "path to TLS private key (default: KC_TLS_KEY)")
		insecure   = flag.Bool("insecure", false, "serve plaintext websockets (development only)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite runtime index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("instance", *instanceID).
		Logger()

	useTLS, err := serveMode(*tlsCert, *tlsKey, *insecure)
	if err != nil {
		logger.Fatal().Err(err).Msg("listener config")
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", tp).Msg("tuning not found, using defaults")
			tune = tuning.Defaults()
		} else {
			logger.Fatal().Err(err).Msg("load tuning")
		}
	}

	key, err := loadTokenKey(*keyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("token key")
	}
	verifier, err := session.NewTokenVerifier(key, *instanceID, time.Now)
	if err != nil {
		logger.Fatal().Err(err).Msg("token verifier")
	}

	bp := strings.TrimSpace(*bootPath)
	if bp == "" {
		bp = filepath.Join(*configDir, "bootstrap.json")
	}
	boot, err := world.LoadBootstrap(bp)
	if err != nil {
		logger.Fatal().Err(err).Str("path", bp).Msg("load bootstrap")
	}

	instanceDir := filepath.Join(*dataDir, "instances", *instanceID)
	_ = os.MkdirAll(instanceDir, 0o755)

	w, err := world.New(world.Config{
		InstanceID:            *instanceID,
		TickRateHz:            tune.TickRateHz,
		InterestRadius:        tune.InterestRadius,
		MoveSpeed:             tune.MoveSpeed,
		ColliderRadius:        tune.ColliderRadius,
		RemovalRetentionTicks: tune.BaselineRetentionTicks,
	}, boot)
	if err != nil {
		logger.Fatal().Err(err).Msg("world")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(instanceDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatal().Err(err).Msg("read snapshot")
		}
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("import snapshot")
		}
		logger.Info().
			Str("snapshot", filepath.Base(snapshotToLoad)).
			Uint64("tick", w.CurrentTick()).
			Msg("resumed from snapshot")
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Runtime index (read model only; the sim never waits on it).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.Open(instanceDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("open index db")
		}
		defer idx.Close()
	}

	tickJournal := journal.NewWriter(filepath.Join(instanceDir, "journal"))
	defer tickJournal.Close()

	// Snapshot writer drains off-thread so a slow disk never stalls a tick.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(instanceDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Error().Err(err).Msg("snapshot write")
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(snap.Header.Tick, path, len(snap.Entities))
				}
			}
		}
	}()

	reg := session.NewRegistry(verifier, tune.MaxSessions)
	ctrl, err := instance.NewController(tune, w, reg, logger, instance.Options{
		Journal:      tickJournal,
		SnapshotSink: snapCh,
		Index:        idx,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("controller")
	}
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("instance loop exited")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		state := ctrl.State()
		if state == instance.StateReady {
			rw.WriteHeader(http.StatusOK)
		} else {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		resp := map[string]string{"state": state.String()}
		if reason := ctrl.FailReason(); reason != "" {
			resp["reason"] = reason
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := ctrl.Snapshot()

		fmt.Fprintf(rw, "# HELP keyscape_instance_tick Current instance tick.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_tick gauge\n")
		fmt.Fprintf(rw, "keyscape_instance_tick{instance=%q} %d\n", *instanceID, m.Tick)

		fmt.Fprintf(rw, "# HELP keyscape_instance_sessions Connected session count.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_sessions gauge\n")
		fmt.Fprintf(rw, "keyscape_instance_sessions{instance=%q} %d\n", *instanceID, m.Sessions)

		fmt.Fprintf(rw, "# HELP keyscape_instance_entities Live entity count.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_entities gauge\n")
		fmt.Fprintf(rw, "keyscape_instance_entities{instance=%q} %d\n", *instanceID, m.Entities)

		fmt.Fprintf(rw, "# HELP keyscape_instance_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_step_ms gauge\n")
		fmt.Fprintf(rw, "keyscape_instance_step_ms{instance=%q} %.3f\n", *instanceID, m.LastStepMS)

		fmt.Fprintf(rw, "# HELP keyscape_instance_slow_ticks_total Ticks that overran the budget.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_slow_ticks_total counter\n")
		fmt.Fprintf(rw, "keyscape_instance_slow_ticks_total{instance=%q} %d\n", *instanceID, m.SlowTicks)

		fmt.Fprintf(rw, "# HELP keyscape_instance_rejected_commands_total Rejected input commands.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_rejected_commands_total counter\n")
		fmt.Fprintf(rw, "keyscape_instance_rejected_commands_total{instance=%q} %d\n", *instanceID, m.RejectedTotal)

		fmt.Fprintf(rw, "# HELP keyscape_instance_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE keyscape_instance_queue_depth gauge\n")
		fmt.Fprintf(rw, "keyscape_instance_queue_depth{instance=%q,queue=%q} %d\n", *instanceID, "inbox", m.InboxDepth)

		if idx != nil {
			fmt.Fprintf(rw, "# HELP keyscape_index_dropped_total Index records dropped because the writer queue was saturated.\n")
			fmt.Fprintf(rw, "# TYPE keyscape_index_dropped_total counter\n")
			fmt.Fprintf(rw, "keyscape_index_dropped_total{instance=%q} %d\n", *instanceID, idx.Dropped())
		}
	})

	// Local-only lifecycle endpoints for the orchestrator agent.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			InstanceID string           `json:"instance_id"`
			State      string           `json:"state"`
			Reason     string           `json:"reason,omitempty"`
			Metrics    instance.Metrics `json:"metrics"`
		}{
			InstanceID: *instanceID,
			State:      ctrl.State().String(),
			Reason:     ctrl.FailReason(),
			Metrics:    ctrl.Snapshot(),
		})
	})
	mux.HandleFunc("/admin/v1/stop", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctrl.Drain("admin stop")
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "state": ctrl.State().String()})
	})

	if envBool("KC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	wsSrv := ws.NewServer(reg, ctrl, *instanceID, tune.TickRateHz, tune.SessionIdleTimeout, logger)
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		// The loop drains first; the listener closes once it reaches a
		// terminal state so in-flight GOODBYEs still get delivered.
		select {
		case <-ctx.Done():
			<-ctrl.Done()
		case <-ctrl.Done():
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	var serveErr error
	if useTLS {
		logger.Info().Str("addr", *addr).Msg("listening (tls)")
		serveErr = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
	} else {
		logger.Warn().Str("addr", *addr).Msg("listening (plaintext, -insecure)")
		serveErr = srv.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		logger.Fatal().Err(serveErr).Msg("listen")
	}
	<-ctrl.Done()
	if ctrl.State() == instance.StateFailed {
		os.Exit(1)
	}
}

// serveMode decides whether the listener may start. Clients carry
// connection tokens, so the channel must be encrypted; plaintext is
// opt-in for local development only.
func serveMode(cert, key string, insecure bool) (useTLS bool, err error) {
	if cert != "" && key != "" {
		return true, nil
	}
	if insecure {
		return false, nil
	}
	return false, fmt.Errorf("no TLS cert/key: pass -tls_cert and -tls_key (or KC_TLS_CERT/KC_TLS_KEY), or -insecure for local development")
}

// loadTokenKey reads the hex-encoded HMAC key the session manager provisions,
// from a file or the KC_TOKEN_KEY environment variable.
func loadTokenKey(path string) ([]byte, error) {
	var raw string
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	} else {
		raw = os.Getenv("KC_TOKEN_KEY")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no token key: pass -token_key_file or set KC_TOKEN_KEY")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("token key is not valid hex: %w", err)
	}
	return key, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(instanceDir string) string {
	dir := filepath.Join(instanceDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
