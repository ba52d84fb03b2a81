package main

import (
	"context"
	"fmt"
	"log"

	"github.com/fentz26/rollout/internal/audit"
	"github.com/fentz26/rollout/internal/config"
	"github.com/fentz26/rollout/internal/controlplane"
	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/logging"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/params"
	"github.com/fentz26/rollout/internal/policy"
	"github.com/fentz26/rollout/internal/rollout"
	"github.com/fentz26/rollout/internal/rowstore"
	"github.com/fentz26/rollout/internal/tape"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runBase        string
	runCount       int
	runMaxSteps    []int
	runConcurrency int
	runSeeds       []int64
	runDatasets    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch of rollouts against an environment service",
	Long: `Execute rollouts against an environment service. Repeating --seeds,
--dataset or --max-steps sweeps the cartesian product of the given values,
one batch per combination.`,
	RunE: runRollouts,
}

func init() {
	runCmd.Flags().StringVar(&runBase, "base", "http://127.0.0.1:7467", "Base address of the environment service")
	runCmd.Flags().IntVar(&runCount, "count", 1, "Number of rollouts per batch")
	runCmd.Flags().IntSliceVar(&runMaxSteps, "max-steps", []int{20}, "Step budget per rollout (0 = unbounded)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 4, "Maximum concurrent rollouts")
	runCmd.Flags().Int64SliceVar(&runSeeds, "seeds", []int64{0}, "Base seeds; rollout i uses seed+i")
	runCmd.Flags().StringSliceVar(&runDatasets, "dataset", nil, "Dataset names to sweep")
}

func runRollouts(cmd *cobra.Command, args []string) error {
	if err := logging.Init(logging.Config{Path: logPath, Prefix: "rollout"}); err != nil {
		return err
	}
	defer logging.Shutdown()
	logger := logging.L()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	mode, err := tape.ResolveMode(cfg.TapePath)
	if err != nil {
		return err
	}
	logger.Printf("mode: %s", mode)

	grid := params.Grid{
		Datasets:       runDatasets,
		Seeds:          runSeeds,
		MaxSteps:       runMaxSteps,
		MaxConcurrency: runConcurrency,
	}
	configs := grid.Expand()
	if len(configs) > 1 && mode != tape.ModeLive {
		return fmt.Errorf("parameter sweeps need live mode, %s covers a single batch", mode)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var firstErr error
	for _, rc := range configs {
		if len(configs) > 1 {
			logger.Printf("batch: dataset=%q seed=%d max_steps=%d", rc.Dataset, rc.Seed, rc.MaxSteps)
		}
		if err := runBatch(cmd.Context(), cfg, mode, store, rc, logger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func runBatch(ctx context.Context, cfg *config.Config, mode tape.Mode, store rowstore.Store, rc params.RunConfig, logger *log.Logger) error {
	sessions := make([]*models.Session, runCount)
	for i := range sessions {
		sessions[i] = &models.Session{
			ID:          uuid.New().String(),
			BaseAddress: runBase,
			Seed:        rc.Seed + int64(i),
		}
	}

	conn := envclient.NewManager(logger)
	req := rollout.ExecuteRequest{
		Sessions:       sessions,
		Tools:          []models.ToolSchema{{Name: "act", Description: "advance the environment"}},
		MaxSteps:       rc.MaxSteps,
		MaxConcurrency: rc.MaxConcurrency,
	}

	opts := rollout.Options{
		Env:     envclient.NewClient(),
		Conn:    conn,
		Control: controlplane.New(cfg.ControlTimeout),
		Store:   store,
		Audit:   audit.NewWriter(store),
		Config:  cfg,
		Log:     logger,
		Mode:    mode,
	}

	switch mode {
	case tape.ModeRecord:
		opts.Recorder = tape.NewRecorder(cfg.TapePath)
		req.Policy = actPolicy()
	case tape.ModePlayback:
		reader, err := tape.Open(cfg.TapePath)
		if err != nil {
			return err
		}
		req.PolicyFor = func(envIndex int) policy.Policy {
			return policy.NewPlayback(reader, envIndex)
		}
	default:
		req.Policy = actPolicy()
	}

	if err := conn.InitializeAll(ctx, sessions, rc.MaxConcurrency); err != nil {
		return fmt.Errorf("initialize sessions: %w", err)
	}

	trajectories, err := rollout.NewManager(opts).Execute(ctx, req)
	for i, t := range trajectories {
		fmt.Printf("rollout %d: %s steps=%d reward=%.2f reason=%s\n",
			i, t.Status.Code, t.Steps, t.TotalReward, t.TerminationReason)
	}
	return err
}

// actPolicy drives the demo environment: it always calls the single "act"
// tool. Real deployments plug a model-backed policy in here.
func actPolicy() policy.Policy {
	return policy.Func(func(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error) {
		return models.ToolCall{Name: "act", CallID: uuid.New().String()}, nil
	})
}
