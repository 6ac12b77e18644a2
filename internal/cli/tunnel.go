package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boundlessdigital/live-lambda/internal/config"
	"github.com/boundlessdigital/live-lambda/internal/history"
	"github.com/boundlessdigital/live-lambda/internal/metrics"
	"github.com/boundlessdigital/live-lambda/internal/relay"
	"github.com/boundlessdigital/live-lambda/internal/runtime"
	"github.com/boundlessdigital/live-lambda/internal/signing"
	"github.com/boundlessdigital/live-lambda/internal/tunnel"
)

const resubscribeDelay = 2 * time.Second

var (
	tunnelRegion      string
	tunnelHTTPHost    string
	tunnelNamespace   string
	tunnelHandlersDir string
	tunnelFilter      string
	tunnelProfile     string
	tunnelNoWatch     bool
	tunnelNoHistory   bool
	tunnelMetricsAddr string
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Serve cloud function invocations with local handlers",
	Long: `Connect to the relay and serve invocations from the requests channel.

Each invocation envelope names a local handler file and export. The
handler runs in a fresh subprocess with the cloud event and context,
and its result is published back on the invocation's response channel.

The tunnel stays up until interrupted. If the relay connection drops
(network failure, keep-alive timeout) it reconnects and resubscribes.`,
	RunE: runTunnel,
}

func init() {
	tunnelCmd.Flags().StringVar(&tunnelRegion, "region", "", "AWS region of the relay")
	tunnelCmd.Flags().StringVar(&tunnelHTTPHost, "http-host", "", "Relay HTTP endpoint host")
	tunnelCmd.Flags().StringVarP(&tunnelNamespace, "namespace", "n", "", "Channel namespace")
	tunnelCmd.Flags().StringVarP(&tunnelHandlersDir, "handlers", "d", "", "Directory handler paths resolve against")
	tunnelCmd.Flags().StringVar(&tunnelFilter, "filter", "", "Glob selecting the function names to serve")
	tunnelCmd.Flags().StringVar(&tunnelProfile, "profile", "", "AWS credential profile")
	tunnelCmd.Flags().BoolVar(&tunnelNoWatch, "no-watch", false, "Disable handler file watching")
	tunnelCmd.Flags().BoolVar(&tunnelNoHistory, "no-history", false, "Disable invocation history recording")
	tunnelCmd.Flags().StringVar(&tunnelMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(tunnelCmd)
}

func runTunnel(cmd *cobra.Command, args []string) error {
	cfg, err := loadTunnelConfig(cmd)
	if err != nil {
		return err
	}

	configureLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Caller, cfg.Logging.Timestamp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := signing.New(ctx, signing.Options{
		Region:          cfg.Relay.Region,
		Profile:         cfg.Relay.Profile,
		AccessKeyID:     cfg.Relay.AccessKeyID,
		SecretAccessKey: cfg.Relay.SecretAccessKey,
		SessionToken:    cfg.Relay.SessionToken,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve AWS credentials")
		return err
	}

	disconnected := make(chan error, 1)
	client := relay.NewClient(relay.Config{
		HTTPHost:     cfg.Relay.HTTPHost,
		RealtimeHost: cfg.Relay.RealtimeHost,
		OnDisconnect: func(err error) {
			select {
			case disconnected <- err:
			default:
			}
		},
	}, signer)

	rt := runtime.New(runtime.Config{
		BaseDir: cfg.Handlers.Dir,
		Timeout: cfg.Handlers.Timeout,
	})
	defer func() { _ = rt.Close() }()

	var store *history.Store
	var recorder tunnel.Recorder
	if cfg.History.Enabled && !tunnelNoHistory {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open history store, continuing without it")
		} else {
			defer store.Close()
			recorder = store
			if err := store.Prune(ctx, cfg.History.Retention); err != nil {
				log.Debug().Err(err).Msg("History prune failed")
			}
		}
	}

	tun, err := tunnel.New(tunnel.Config{
		Namespace:      cfg.Relay.Namespace,
		FunctionFilter: cfg.Handlers.FunctionFilter,
	}, client, rt, recorder)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	if !tunnelNoWatch && cfg.Handlers.Watch {
		watcher, watchErr := NewHandlerWatcher(cfg.Handlers.Dir, func(path string, eventType EventType) {
			log.Info().
				Str("path", path).
				Str("event", eventType.String()).
				Msg("Handler file changed")
			rt.Invalidate(path)
		})
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("Failed to set up handler watcher, continuing without it")
		} else {
			watcher.Start(ctx)
			defer func() { _ = watcher.Stop() }()
			log.Info().Str("dir", cfg.Handlers.Dir).Msg("Handler watching enabled")
		}
	}

	if tunnelMetricsAddr != "" {
		go serveMetrics(tunnelMetricsAddr)
	}

	log.Info().
		Str("relay", cfg.Relay.HTTPHost).
		Str("namespace", cfg.Relay.Namespace).
		Str("handlers", cfg.Handlers.Dir).
		Msg("Starting tunnel")

	return serveUntilDone(ctx, tun, client, disconnected)
}

// serveUntilDone keeps the requests subscription alive across relay
// disconnects until the context is canceled.
func serveUntilDone(ctx context.Context, tun *tunnel.Tunnel, client *relay.Client, disconnected chan error) error {
	for {
		if err := tun.Serve(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to subscribe, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tun.Shutdown(shutdownCtx); err != nil {
				log.Debug().Err(err).Msg("Unsubscribe on shutdown failed")
			}
			return client.Disconnect(shutdownCtx)
		case err := <-disconnected:
			log.Warn().Err(err).Msg("Relay connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resubscribeDelay):
			}
		}
	}
}

// loadTunnelConfig loads configuration and applies flag overrides.
// Flags are seeded as defaults before the load so a flag-only setup
// passes validation, then reapplied after so they beat file values.
func loadTunnelConfig(cmd *cobra.Command) (*config.Config, error) {
	defaults := config.Default()
	applyTunnelFlags(cmd, defaults)

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		return nil, err
	}

	applyTunnelFlags(cmd, cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyTunnelFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("region") {
		cfg.Relay.Region = tunnelRegion
	}
	if cmd.Flags().Changed("http-host") {
		cfg.Relay.HTTPHost = tunnelHTTPHost
		cfg.Relay.RealtimeHost = ""
	}
	if cmd.Flags().Changed("namespace") {
		cfg.Relay.Namespace = tunnelNamespace
	}
	if cmd.Flags().Changed("handlers") {
		cfg.Handlers.Dir = tunnelHandlersDir
	}
	if cmd.Flags().Changed("filter") {
		cfg.Handlers.FunctionFilter = tunnelFilter
	}
	if cmd.Flags().Changed("profile") {
		cfg.Relay.Profile = tunnelProfile
	}
	if cfg.Relay.RealtimeHost == "" {
		cfg.Relay.RealtimeHost = config.DeriveRealtimeHost(cfg.Relay.HTTPHost)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
