package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/pool"
	"github.com/arna-oss/poolcore/internal/poolconfig"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/rpcserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the pool core: accept RPC connections and dispatch requests to spawned workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	fb := openWatchdogFeedback()
	defer fb.close()

	cfg, err := poolconfig.Load(flagConfig)
	if err != nil {
		fb.reportStartupError("system", err.Error())
		return err
	}

	logger := poollog.New(poollog.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		TraceEnabled: cfg.Logging.TraceEnabled,
	})

	db := accounts.NewDatabase()
	generationDir, err := os.MkdirTemp("", "poolcore-")
	if err != nil {
		fb.reportStartupError("system", err.Error())
		return err
	}

	if cfg.Accounts.ProvisionStatusAccount {
		if err := provisionStatusAccount(db, cfg, generationDir); err != nil {
			fb.reportStartupError("system", err.Error())
			return err
		}
	}

	spawnMgr := pool.NewSpawnManager(pool.SpawnManagerConfig{
		HelperPath: cfg.Spawn.HelperPath,
		SocketDir:  cfg.Spawn.SocketDir,
	}, logger)

	p := pool.New(pool.Config{
		Max:                 cfg.Pool.Max,
		MaxPerApp:           cfg.Pool.MaxPerApp,
		MaxIdleTime:         cfg.Pool.MaxIdleTime,
		MaxRequestQueueSize: cfg.Pool.MaxRequestQueueSize,
	}, spawnMgr, db, logger)

	os.Remove(cfg.RPC.SocketPath)
	ln, err := net.Listen("unix", cfg.RPC.SocketPath)
	if err != nil {
		fb.reportStartupError("system", fmt.Sprintf("listen on %s: %v", cfg.RPC.SocketPath, err))
		return err
	}
	os.Chmod(cfg.RPC.SocketPath, 0700)

	srv := rpcserver.New(ln, rpcserver.Config{MaxConnections: cfg.RPC.MaxConnections}, p, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.StartIdleReaper(ctx)
	if cfg.Metrics.Enabled {
		cachePath := filepath.Join(generationDir, "metrics-cache.msgpack")
		p.StartMetricsCollector(ctx, &pool.ExecMetricsCollector{Path: cfg.Metrics.ExecPath}, cachePath)
	}

	if cfg.Pool.StatusFifoEnabled {
		startStatusFifo(ctx, p, cfg.Pool.StatusFifoPath, logger)
	}

	if err := fb.reportStarting(generationDir, 1); err != nil {
		logger.Warn("failed to report startup info to watchdog", "error", err)
	}
	if err := fb.reportAgentInfo("PoolAgent info", cfg.RPC.SocketPath); err != nil {
		logger.Warn("failed to report agent info to watchdog", "error", err)
	}
	if err := fb.reportAllAgentsStarted(); err != nil {
		logger.Warn("failed to report startup completion to watchdog", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	shutdownRequested := make(chan struct{})
	if fb.active() {
		go func() {
			fb.waitForShutdownByte()
			close(shutdownRequested)
		}()
	}

	select {
	case err := <-serveErr:
		return err
	case <-sig:
	case <-shutdownRequested:
	case <-srv.ExitRequested():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return p.Shutdown(shutdownCtx)
}

// provisionStatusAccount mints the `_pool-status` inspection-only account
// and writes its cleartext password to passenger-status-password.txt
// mode 0400, recovered from original_source/ per SPEC_FULL.md section 12.
func provisionStatusAccount(db *accounts.Database, cfg *poolconfig.Config, generationDir string) error {
	password, err := accounts.GenerateToken(32)
	if err != nil {
		return fmt.Errorf("provision status account: %w", err)
	}
	db.Add(accounts.NewServiceAccount("_pool-status", password, accounts.RightInspectBasicInfo))

	path := cfg.Accounts.StatusPasswordFile
	if path == "" {
		path = filepath.Join(generationDir, "passenger-status-password.txt")
	}
	return os.WriteFile(path, []byte(password), 0400)
}
