// Command smp-server runs the SMP broker: it loads a YAML config, opens a
// queue store, and serves TLS connections until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halilertekin/simplexmq/config"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/internal/metrics"
	"github.com/halilertekin/simplexmq/pkg/health"
	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/queue/sqlite"
	"github.com/halilertekin/simplexmq/server"
	"github.com/halilertekin/simplexmq/subscription"
	"github.com/halilertekin/simplexmq/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "smp-server",
	Short: "SMP broker: unidirectional message queues over authenticated TLS",
	RunE:  run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to server config YAML (defaults to the conventional search path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smp-server: %v\n", err)
		os.Exit(1)
	}
}

// configErr marks an error as a fatal config/startup failure (exit 1),
// distinct from the recovered-panic exit code 2 below.
type configErr struct{ error }

func run(cmd *cobra.Command, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "smp-server: panic: %v\n", r)
			os.Exit(2)
		}
	}()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return configErr{fmt.Errorf("load config: %w", err)}
	}

	log := logger.NewLogger(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	queue.Quota = cfg.MessageQuotaPerQueue
	queue.MaxActiveQueues = cfg.MaxActiveQueues

	store, err := sqlite.Open(cfg.SQLiteDatabase)
	if err != nil {
		return configErr{fmt.Errorf("open store: %w", err)}
	}
	defer store.Close()

	subs := subscription.NewManager()
	store.SetNotifier(subs)

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertificateFile, cfg.TLSPrivateKeyFile)
	if err != nil {
		return configErr{fmt.Errorf("load TLS certificate: %w", err)}
	}
	ln, err := transport.ListenTLS(fmt.Sprintf(":%d", cfg.TCPPort), cert)
	if err != nil {
		return configErr{fmt.Errorf("listen: %w", err)}
	}

	checker := health.NewChecker(store, cfg.ShutdownTimeout)
	healthSrv := health.NewServer(checker, log, healthPort(cfg.HealthAddr))
	if err := healthSrv.Start(); err != nil {
		log.Warn("health server failed to start", logger.Error(err))
	}
	go func() {
		if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
			log.Warn("metrics server stopped", logger.Error(err))
		}
	}()

	srv := server.New(store, subs, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	if cfg.WSAddr != "" {
		wsLn, err := transport.ListenWS(cfg.WSAddr)
		if err != nil {
			return configErr{fmt.Errorf("listen ws: %w", err)}
		}
		go func() { errCh <- srv.Serve(ctx, wsLn) }()
		log.Info("smp-server listening (ws)", logger.String("ws_addr", cfg.WSAddr))
	}

	log.Info("smp-server listening", logger.Int("tcp_port", cfg.TCPPort))

	select {
	case <-ctx.Done():
		log.Info("smp-server shutting down")
	case serveErr := <-errCh:
		if serveErr != nil {
			return fmt.Errorf("serve: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = healthSrv.Stop(shutdownCtx)
	return srv.Shutdown()
}

func healthPort(addr string) int {
	var port int
	if _, err := fmt.Sscanf(addr, ":%d", &port); err == nil {
		return port
	}
	return 8080
}
