package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/memclaw/internal/app"
	"github.com/nextlevelbuilder/memclaw/internal/config"
)

func serveCmd() *cobra.Command {
	var statsEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory and conversation actors until interrupted",
		Long: `Run both actors on the configured bus. With bus.transport "redis",
several processes can share one Redis: any of them may serve memory
requests while others run "memclaw chat".

The config file is watched; similarity thresholds and the memory wait
timeout are applied without a restart.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(statsEvery); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().DurationVar(&statsEvery, "stats-every", time.Minute, "log cache and peer status at this interval (0 disables)")
	return cmd
}

func runServe(statsEvery time.Duration) error {
	cfg := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if shutdown := initOTelExporter(ctx, cfg); shutdown != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("otel: shutdown failed", "error", err)
			}
		}()
	}

	a := app.New(cfg)
	if err := a.Init(ctx); err != nil {
		a.Close()
		return err
	}
	defer a.Close()

	cfgPath := resolveConfigPath()
	if w, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("serve: config watcher unavailable", "error", err)
	} else {
		w.OnChange(a.Apply)
		if err := w.Start(); err != nil {
			slog.Warn("serve: config watcher not started", "path", cfgPath, "error", err)
		}
		defer w.Stop()
	}

	slog.Info("serve: running",
		"bus", cfg.Bus.Transport,
		"store", cfg.Store.Backend,
		"cache_fallback", a.Cache.Degraded(),
		"llm", a.LLM != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if statsEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(statsEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					logStatus(a)
				}
			}
		})
	}
	err := g.Wait()
	slog.Info("serve: shutting down")
	return err
}

func logStatus(a *app.App) {
	st := a.Cache.Stats()
	attrs := []any{
		"cache_fallback", st.MemoryMode,
		"cache_url", st.URL,
		"fallback_items", st.Fallback.Items,
	}
	if a.Heartbeat != nil {
		attrs = append(attrs, "memory_peer_alive", a.Heartbeat.Alive(), "last_pong", a.Heartbeat.LastPong())
	}
	slog.Info("serve: status", attrs...)
}
