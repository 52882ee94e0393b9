// Command anyad is the Anya-Core daemon: it wires configuration, storage,
// the software HSM, the Bitcoin JSON-RPC adapter, the Layer2 manager, and
// the background reconciler, then serves a Prometheus pull endpoint and
// blocks until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/bitcoinrpc"
	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/hsm"
	"github.com/anya-org/anya-core/internal/layer2manager"
	"github.com/anya-org/anya-core/internal/reconciler"
	"github.com/anya-org/anya-core/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{Use: "anyad"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the configuration schema version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(config.Version)
		},
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the Anya-Core daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", os.Getenv("ANYA_ENV"), "environment overlay (e.g. production, staging)")
	return cmd
}

func serve(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	lg := logrus.New()
	if level, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		lg.SetLevel(level)
	}
	lg.SetFormatter(&logrus.JSONFormatter{})

	store, err := storage.Open(storage.Config{DataDir: cfg.DataDir, CacheEntries: 4096}, lg)
	if err != nil {
		return err
	}
	defer store.Close()

	auth := hsm.StaticAuthenticator{}
	hsmInstance, err := hsm.Open(context.Background(), store, lg, cfg.HSM, auth)
	if err != nil {
		return err
	}
	rpcClient := bitcoinrpc.New(bitcoinrpc.Config{
		Host:       cfg.BitcoinRPC.Host,
		User:       cfg.BitcoinRPC.User,
		Password:   cfg.BitcoinRPC.Password,
		Timeout:    cfg.BitcoinRPC.Timeout,
		MaxRetries: cfg.BitcoinRPC.MaxRetries,
	}, lg)

	l2cfg, err := layer2manager.FromCoreConfig(*cfg)
	if err != nil {
		return err
	}
	manager, err := layer2manager.New(store, auditlog.New(), lg, l2cfg)
	if err != nil {
		return err
	}
	if result := manager.InitializeAll(); result.Err() != nil {
		lg.WithError(result.Err()).Warn("one or more layer2 protocols failed to initialize; continuing with the rest connected")
	}

	rec := reconciler.New(store, manager, hsmInstance, lg, reconciler.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	defer rec.Stop()

	metricsGatherer := prometheus.Gatherers{store.Registry(), rpcClient.Registry()}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9735", Handler: mux}

	go func() {
		lg.WithField("addr", srv.Addr).Info("anyad metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.WithError(err).Fatal("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("anyad shutting down")
	_ = srv.Shutdown(context.Background())
	return nil
}
