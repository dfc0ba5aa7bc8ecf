package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/scrcpyhub/internal/adb"
	"github.com/standardbeagle/scrcpyhub/internal/config"
	"github.com/standardbeagle/scrcpyhub/internal/goog"
	"github.com/standardbeagle/scrcpyhub/internal/googmw"
	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/server"
)

const (
	startTimeout    = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long: `Run every configured listener until SIGINT or SIGTERM.

The config file is read from --config, or from $SCRCPYHUB_CONFIG when the
flag is empty. Without either the hub listens on port 8000 and tracks the
devices of the local adb server. A second signal during shutdown exits
immediately.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath string
	logLevel        string
	logFormat       string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Config file (.yaml, .yml, .json or .kdl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// hub holds the middleware chains and the services they share.
type hub struct {
	chain    *mw.RequestChain
	channels *mw.ChannelChain
	// center is nil when the Android tracker is disabled.
	center *goog.ControlCenter
}

// buildHub registers the middleware in dispatch order.
func buildHub(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *hub {
	channels := mw.NewChannelChain(logger)
	chain := mw.NewRequestChain(logger, m)
	h := &hub{chain: chain, channels: channels}

	var local []protocol.LocalTracker
	if cfg.RunGoogTracker && cfg.AnnounceGoogTracker {
		local = append(local, protocol.LocalTracker{Type: goog.Platform})
	}

	chain.Register(string(protocol.ActionProxyWS), mw.NewWebsocketProxyFactory(logger))
	chain.Register(string(protocol.ActionMultiplex), mw.NewMultiplexer(channels, logger, m))
	channels.Register(string(protocol.ChannelHostTracker), mw.NewHostTracker(local, cfg.HostItems(), logger))

	if !cfg.RunGoogTracker {
		return h
	}

	client := adb.NewClient(cfg.ADB.Address, logger)
	h.center = goog.New(goog.Config{
		Client: goog.FromADB(client),
		Server: goog.ServerConfig{
			JarPath: cfg.Scrcpy.ServerJar,
			Args:    cfg.Scrcpy.ServerArguments(),
		},
		BaseDelay: cfg.Tracker.BaseDelay.Std(),
		Factor:    cfg.Tracker.Factor,
		MaxDelay:  cfg.Tracker.MaxDelay.Std(),
		Logger:    logger,
		Metrics:   m,
	})
	tracker := googmw.NewDeviceTracker(h.center, logger)

	if cfg.Features.Devtools {
		chain.Register(string(protocol.ActionDevtools), googmw.NewRemoteDevtools(client, logger))
	}
	chain.Register(string(protocol.ActionProxyADB), googmw.NewProxyOverADB(client, logger))
	chain.Register(string(protocol.ActionGoogDeviceList), tracker)
	channels.Register(string(protocol.ChannelGoogTracker), tracker)

	if cfg.Features.Shell {
		shell := googmw.NewRemoteShell(googmw.ADBShellCommand(cfg.ADB.Binary, cfg.ADB.Address), logger)
		chain.Register(string(protocol.ActionShell), shell)
		channels.Register(string(protocol.ChannelShell), shell)
	}
	if cfg.Features.FileListing {
		files := googmw.NewFileListing(client, logger)
		chain.Register(string(protocol.ActionFileListing), files)
		channels.Register(string(protocol.ChannelFileListing), files)
	}
	return h
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(config.ResolvePath(serveConfigPath))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	m := metrics.New()
	h := buildHub(cfg, logger, m)
	srv := server.New(server.Config{
		Chain:       h.chain,
		Logger:      logger,
		Metrics:     m,
		LogRequests: logger.Enabled(context.Background(), slog.LevelDebug),
	})

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
		if h.center != nil {
			h.center.Release()
		}
	}

	if h.center != nil {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		h.center.Start(ctx)
		cancel()
	}

	securePort := cfg.SecurePort()
	for _, item := range cfg.Server {
		tlsConfig, err := item.TLSConfig()
		if err != nil {
			stop()
			return fmt.Errorf("server on port %d: %w", item.Port, err)
		}
		l := server.Listener{Port: item.Port, TLS: tlsConfig}
		if item.RedirectToSecure && !item.Secure {
			l.RedirectPort = securePort
		}
		if _, err := srv.Listen(l); err != nil {
			stop()
			return err
		}
	}
	logger.Info("scrcpyhub started", "version", appVersion, "actions", h.chain.Names(), "channels", h.channels.Names())

	sig := <-sigs
	logger.Info("shutting down", "signal", sig.String())
	go func() {
		<-sigs
		logger.Warn("second signal, exiting")
		os.Exit(1)
	}()

	stop()
	logger.Info("shutdown complete")
	return nil
}
