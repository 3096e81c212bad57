package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"heurist/internal/config"
	"heurist/internal/engine"
)

// serveCmd runs the maintenance scheduler in the foreground. Config changes
// on disk are picked up live: the engine is rebuilt with the new settings,
// which keeps threshold reads lock-free on the hot paths.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance scheduler until interrupted",
	Long: `Keeps the engine resident and sweeps on the configured interval.
Edits to .heurist/config.yaml apply without restart; an invalid config is
rejected and the previous one stays in effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var mu sync.Mutex
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		eng.StartMaintenance()

		path := configPath
		if path == "" {
			path = config.ConfigPath()
		}
		watcher, err := config.NewWatcher(path, cfg, func(next *config.Config) {
			mu.Lock()
			defer mu.Unlock()
			fresh, err := engine.New(next)
			if err != nil {
				logger.Warn("config reload: engine rebuild failed, keeping previous")
				return
			}
			old := eng
			eng = fresh
			eng.StartMaintenance()
			if err := old.Close(); err != nil {
				logger.Warn("config reload: old engine close failed")
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(cmd.Context()); err != nil {
			return err
		}

		fmt.Printf("heurist serving (interval %s); Ctrl-C to stop\n", cfg.GetMaintenanceInterval())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		watcher.Stop()
		mu.Lock()
		defer mu.Unlock()
		return eng.Close()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
