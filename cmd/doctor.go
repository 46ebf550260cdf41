package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memclaw/internal/app"
	"github.com/nextlevelbuilder/memclaw/internal/config"
	"github.com/nextlevelbuilder/memclaw/internal/memory"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, cache and stores",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("memclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx := context.Background()

	fmt.Println()
	fmt.Println("  Cache:")
	checkRedis(ctx, "primary", cfg.Cache.URL)
	if cfg.Cache.AltURL != "" {
		checkRedis(ctx, "alternate", cfg.Cache.AltURL)
	}
	if cfg.Bus.Transport == config.TransportRedis && cfg.BusURL() != cfg.Cache.URL {
		checkRedis(ctx, "bus", cfg.BusURL())
	}

	fmt.Println()
	fmt.Println("  LLM:")
	checkProvider(cfg.LLM.Provider, cfg.LLM.APIKey)
	fmt.Printf("    %-12s %s / %s / %s\n", "Modes:", cfg.Memory.Extraction, cfg.Memory.Classifier, cfg.Memory.Similarity)

	fmt.Println()
	fmt.Printf("  Store:    %s", cfg.Store.Backend)
	if cfg.Store.Backend != "postgres" {
		fmt.Printf(" at %s", cfg.DataDir())
	}
	fmt.Println()
	a := app.New(cfg)
	if err := a.InitStores(ctx); err != nil {
		fmt.Printf("    open failed: %s\n", err)
	} else {
		for _, c := range memory.Categories {
			n, err := a.Adapter(c).Count(ctx)
			if err != nil {
				fmt.Printf("    %-12s ERROR %s\n", string(c)+":", err)
				continue
			}
			fmt.Printf("    %-12s %d records\n", string(c)+":", n)
		}
	}
	a.Close()

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRedis(ctx context.Context, name, url string) {
	label := fmt.Sprintf("    %-12s %s", name+":", url)
	opts, err := redis.ParseURL(url)
	if err != nil {
		fmt.Printf("%s INVALID (%s)\n", label, err)
		return
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("%s UNREACHABLE (in-process fallback will be used)\n", label)
		return
	}
	fmt.Printf("%s OK (%s)\n", label, time.Since(start).Round(time.Millisecond))
}

func checkProvider(name, apiKey string) {
	if name == "" || name == config.ProviderNone {
		fmt.Printf("    %-12s (disabled)\n", "Provider:")
		return
	}
	if apiKey == "" {
		fmt.Printf("    %-12s %s (no api key, replies will fail)\n", "Provider:", name)
		return
	}
	masked := "****"
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s %s\n", "Provider:", name, masked)
}
