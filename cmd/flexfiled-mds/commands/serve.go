package commands

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/internal/protocol/heartbeat"
	"github.com/dfr-systems/flexfiled/internal/telemetry"
	"github.com/dfr-systems/flexfiled/pkg/config"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/dsrpc"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/mds"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
	"github.com/dfr-systems/flexfiled/pkg/nfs4state"
	"github.com/dfr-systems/flexfiled/pkg/placement"
)

var heartbeatListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metadata-server in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&heartbeatListenAddr, "heartbeat-addr", ":9000", "address the DS heartbeat protocol listens on")
}

// noopRecaller stands in for the back-channel CB_LAYOUTRECALL client,
// which, like the NFSv4.1 RPC transport itself, is an external
// collaborator reached through nfs4state.Recaller's contract rather than
// built here. It reports every recall as undeliverable so the recall
// sweep's revocation path, not its happy path, is what runs without a
// real callback channel wired in.
func noopRecaller(ctx context.Context, client nfs4state.ClientID, st nfs4state.StateArenaID, kind nfs4state.StateKind) (ok, noMatchingLayout bool) {
	return false, false
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	if path := GetConfigFile(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "flexfiled-mds",
		ServiceVersion: Version,
		SampleRate:     1.0,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.ProfilingEnabled,
		ServiceName:    "flexfiled-mds",
		ServiceVersion: Version,
		ServerAddress:  cfg.ProfilingServerAddr,
	})
	if err != nil {
		return err
	}
	defer stopProfiling()

	kv, err := kvstore.Open(cfg.KVDir)
	if err != nil {
		return err
	}
	defer kv.Close()

	dm := devices.New(kv, devices.RealClock{}, cfg.HeartbeatInterval, func() bool { return true })
	if err := dm.LoadFromStore(ctx); err != nil {
		return err
	}

	pm, err := placement.New(kv, dm, dsrpc.NewClient(), cfg.Replicas)
	if err != nil {
		return err
	}
	if err := pm.LoadFromStore(ctx); err != nil {
		return err
	}

	tree := namespace.New(kv, dm, cfg.PieceSize)
	if err := tree.Load(ctx); err != nil {
		return err
	}

	nm := nfs4state.New(devices.RealClock{}, cfg.LeaseTime, cfg.GraceTime, cfg.MaxState)

	fsid, err := mds.LoadOrCreateFSID(ctx, kv, cfg.FSIDOverride)
	if err != nil {
		return err
	}
	var writeVerf [8]byte
	if _, err := rand.Read(writeVerf[:]); err != nil {
		return err
	}
	nfsSrv := mds.New(fsid, mds.Config{
		LeaseSeconds: uint32(cfg.LeaseTime / time.Second),
		IOSize:       cfg.IOSize,
		PieceSize:    cfg.PieceSize,
	}, tree, nm, pm, dm, writeVerf)

	if cfg.MetricsAddr != "" {
		prometheus.MustRegister(devices.NewCollector(dm), placement.NewCollector(pm), nm.Collector())
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return nfsSrv.Serve(ctx, cfg.ListenAddr)
	})

	g.Go(func() error {
		return heartbeat.Serve(ctx, heartbeatListenAddr, func(ctx context.Context, args heartbeat.StatusArgs, remoteHost string) error {
			return dm.ProcessHeartbeat(ctx, devices.Status{
				Owner:       args.Owner,
				UAddrs:      args.UAddrs,
				AdminUAddrs: args.AdminUAddrs,
				Storage:     args.Storage,
			}, remoteHost)
		})
	})

	g.Go(func() error {
		runTicker(ctx, cfg.HeartbeatInterval, dm.Sweep)
		return nil
	})

	g.Go(func() error {
		pm.RunResilverScheduler(ctx)
		return nil
	})

	g.Go(func() error {
		runTicker(ctx, cfg.LeaseTime/4, nm.SweepLeases)
		return nil
	})

	g.Go(func() error {
		runTicker(ctx, cfg.LeaseTime/4, func(ctx context.Context) {
			nm.RunRecallSweep(ctx, noopRecaller)
		})
		return nil
	})

	g.Go(func() error {
		time.AfterFunc(cfg.GraceTime, nm.EndGrace)
		<-ctx.Done()
		return nil
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr)
		})
	}

	logger.InfoCtx(ctx, "flexfiled-mds started",
		"kv_dir", cfg.KVDir,
		"heartbeat_addr", heartbeatListenAddr,
		"listen_addr", cfg.ListenAddr,
		"replicas", cfg.Replicas,
	)
	return g.Wait()
}

// runTicker invokes fn immediately and then every interval until ctx is
// cancelled, the shared shape every background sweep in this server
// follows.
func runTicker(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
