package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/rollout/internal/audit"
	"github.com/fentz26/rollout/internal/logging"
	"github.com/fentz26/rollout/internal/watcher"
	"github.com/spf13/cobra"
)

var (
	watchInterval  time.Duration
	watchIdleScans int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the liveness watcher",
	Long: `Scans the row store for rollouts stuck in the running state whose owning
process has died and marks them cancelled. At most one watcher runs per row
store; starting a second one reports the existing watcher's PID and exits.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 10*time.Second, "Scan interval")
	watchCmd.Flags().IntVar(&watchIdleScans, "idle-scans", 3, "Exit after this many consecutive scans with no running rollouts")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := logging.Init(logging.Config{Path: logPath, Prefix: "watcher"}); err != nil {
		return err
	}
	defer logging.Shutdown()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = watcher.Run(ctx, watcher.Options{
		Store:        store,
		Dir:          storeDir(),
		Interval:     watchInterval,
		MaxIdleScans: watchIdleScans,
		Audit:        audit.NewWriter(store),
		Log:          logging.L(),
	})

	var running *watcher.ErrAlreadyRunning
	if errors.As(err, &running) {
		fmt.Printf("watcher already running (PID %d)\n", running.PID)
		return nil
	}
	return err
}
