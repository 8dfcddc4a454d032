// Command smp-agent runs a duplex SimpleX agent: it loads a YAML config,
// opens its connection store, and serves the local control API (NewConn,
// JoinConn, Send, Subscribe, Ack) over HTTP until interrupted. A host
// process drives the agent by calling that API with the bearer token
// logged at startup; this binary's own job is lifecycle plus the ambient
// health/metrics surface shared with smp-server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halilertekin/simplexmq/agent/client"
	"github.com/halilertekin/simplexmq/agent/control"
	"github.com/halilertekin/simplexmq/agent/session"
	"github.com/halilertekin/simplexmq/agent/store/sqlite"
	"github.com/halilertekin/simplexmq/config"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/internal/metrics"
	"github.com/halilertekin/simplexmq/pkg/health"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "smp-agent",
	Short: "SimpleX duplex agent: paired send/recv queues over an SMP broker",
	RunE:  run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to agent config YAML (defaults to the conventional search path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smp-agent: %v\n", err)
		os.Exit(1)
	}
}

type configErr struct{ error }

func run(cmd *cobra.Command, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "smp-agent: panic: %v\n", r)
			os.Exit(2)
		}
	}()

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return configErr{fmt.Errorf("load config: %w", err)}
	}

	log := logger.NewLogger(os.Stdout, logger.ParseLevel(cfg.LogLevel))

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return configErr{fmt.Errorf("open store: %w", err)}
	}
	defer store.Close()

	pool := client.NewPool(client.TLSDialer)
	defer pool.Close()

	agent := session.New(store, pool, log)

	controlSrv, err := control.NewServer(agent, log, cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("start control api: %w", err)
	}
	if err := controlSrv.Start(); err != nil {
		return fmt.Errorf("start control api: %w", err)
	}

	replyMode := session.ReplyOn
	if cfg.DefaultReplyMode == "off" {
		replyMode = session.ReplyOff
	}
	log.Info("smp-agent ready",
		logger.String("default_reply_mode", replyMode.String()),
		logger.Int("known_servers", len(cfg.KnownServers)),
		logger.String("control_addr", cfg.ControlAddr),
		logger.String("control_token", controlSrv.Token))

	checker := health.NewChecker(store, cfg.DialTimeout)
	healthSrv := health.NewServer(checker, log, healthPort(cfg.HealthAddr))
	if err := healthSrv.Start(); err != nil {
		log.Warn("health server failed to start", logger.Error(err))
	}
	go func() {
		if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
			log.Warn("metrics server stopped", logger.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("smp-agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controlSrv.Stop(shutdownCtx); err != nil {
		log.Warn("control api shutdown error", logger.Error(err))
	}
	agent.Close()
	return healthSrv.Stop(shutdownCtx)
}

func healthPort(addr string) int {
	var port int
	if _, err := fmt.Sscanf(addr, ":%d", &port); err == nil {
		return port
	}
	return 8081
}
