package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perch-ai/perch/registry"
)

var healthInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extension runtime",
	Long: `Discover extensions in the configured paths, start them, and keep
them running: files are watched for changes, unhealthy extensions are
reported, and a tripped breaker suspends calls until its cooldown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuntime()
	},
}

func init() {
	runCmd.Flags().DurationVar(&healthInterval, "health-interval", 30*time.Second, "Interval between health sweeps")
	rootCmd.AddCommand(runCmd)
}

func runRuntime() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, cleanup, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ids, err := reg.Discover(ctx, cfg.ExtensionPaths...)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := reg.Initialize(ctx, id, nil); err != nil {
			fmt.Printf("skipping %s: %v\n", id, err)
			continue
		}
		if err := reg.Start(ctx, id); err != nil {
			fmt.Printf("skipping %s: %v\n", id, err)
		}
	}
	fmt.Printf("running with %d extension(s)\n", len(reg.List()))

	if cfg.Watch {
		watcher := registry.NewWatcher(reg, cfg.ExtensionPaths)
		go func() {
			_ = watcher.Run(ctx)
		}()
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for id, healthy := range reg.HealthCheckAll(ctx) {
				if !healthy {
					fmt.Printf("extension %s is unhealthy\n", id)
				}
			}
		}
	}
}
