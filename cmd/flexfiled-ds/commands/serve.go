package commands

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/internal/protocol/heartbeat"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/dsrpc"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

var (
	dsDataDir        string
	dsListenAddr     string
	dsMDSAddr        string
	dsHeartbeat      time.Duration
	dsCacheCostLimit int64
	dsMetricsAddr    string
	dsLogLevel       string
	dsLogFormat      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the data-server in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&dsDataDir, "data-dir", "./flexfiled-ds-data", "directory backing this device's piece store")
	serveCmd.Flags().StringVar(&dsListenAddr, "listen-addr", ":9100", "address the data-plane protocol listens on")
	serveCmd.Flags().StringVar(&dsMDSAddr, "mds-addr", "127.0.0.1:9000", "MDS heartbeat listener address")
	serveCmd.Flags().DurationVar(&dsHeartbeat, "heartbeat", 5*time.Second, "heartbeat interval (H)")
	serveCmd.Flags().Int64Var(&dsCacheCostLimit, "cache-cost-limit", 512, "open-file cache cost limit")
	serveCmd.Flags().StringVar(&dsMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics here")
	serveCmd.Flags().StringVar(&dsLogLevel, "log-level", "INFO", "log level")
	serveCmd.Flags().StringVar(&dsLogFormat, "log-format", "text", "log format (text|json)")
}

// ownerFileName persists this device's stable co_ownerid across restarts; the
// owner verifier, by contrast, is regenerated fresh on every process
// start so the registry's heartbeat processing detects a restart (data
// model §3: "owner.verifier differs from the stored value" => RESTORING).
const ownerFileName = ".owner_id"

func loadOrCreateOwnerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, ownerFileName)
	if b, err := os.ReadFile(path); err == nil {
		return string(b), nil
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0644); err != nil {
		return "", err
	}
	return id, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Config{Level: dsLogLevel, Format: dsLogFormat, Output: "stdout"}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pieces.Open(dsDataDir, dsCacheCostLimit)
	if err != nil {
		return err
	}
	defer store.Close()

	ownerID, err := loadOrCreateOwnerID(dsDataDir)
	if err != nil {
		return err
	}
	var verifier [8]byte
	if _, err := rand.Read(verifier[:]); err != nil {
		return err
	}

	srv := dsrpc.NewServer(store)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, dsListenAddr)
	})
	g.Go(func() error {
		return runHeartbeatLoop(ctx, ownerID, verifier)
	})
	if dsMetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, dsMetricsAddr)
		})
	}

	logger.InfoCtx(ctx, "flexfiled-ds started", "data_dir", dsDataDir, "listen_addr", dsListenAddr, "mds_addr", dsMDSAddr)
	return g.Wait()
}

// runHeartbeatLoop sends a STATUS message to the MDS every dsHeartbeat
// interval until ctx is cancelled, carrying this device's identity and
// current free-space summary.
func runHeartbeatLoop(ctx context.Context, ownerID string, verifier [8]byte) error {
	ticker := time.NewTicker(dsHeartbeat)
	defer ticker.Stop()

	send := func() {
		storage := localStorageStatus(dsDataDir)
		args := heartbeat.StatusArgs{
			Owner: devices.Owner{
				Verifier: verifier,
				OwnerID:  ownerID,
			},
			UAddrs:      []string{dsListenAddr},
			AdminUAddrs: nil,
			Storage:     storage,
		}
		sendCtx, cancel := context.WithTimeout(ctx, dsHeartbeat)
		defer cancel()
		if err := heartbeat.Send(sendCtx, dsMDSAddr, args); err != nil {
			logger.WarnCtx(ctx, "heartbeat send failed", "mds_addr", dsMDSAddr, "error", err)
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}

// localStorageStatus reports dsDataDir's filesystem capacity via statfs,
// the backing-store proxy this device advertises on every heartbeat.
func localStorageStatus(dir string) devices.StorageStatus {
	var st devices.StorageStatus
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return st
	}
	bs := uint64(fs.Bsize)
	st.Total = fs.Blocks * bs
	st.Free = fs.Bfree * bs
	st.Avail = fs.Bavail * bs
	return st
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
