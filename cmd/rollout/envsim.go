package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/rollout/internal/envsim"
	"github.com/spf13/cobra"
)

var (
	simListen       string
	simDoneAfter    int
	simStepReward   float64
	simFinalReward  float64
	simControlAfter int
)

var envsimCmd = &cobra.Command{
	Use:   "envsim",
	Short: "Serve a simulated environment for local runs",
	RunE:  runEnvsim,
}

func init() {
	envsimCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:7467", "Listen address")
	envsimCmd.Flags().IntVar(&simDoneAfter, "done-after", 5, "Step on which the environment reports done (0 = never)")
	envsimCmd.Flags().Float64Var(&simStepReward, "step-reward", 0.1, "Reward per step")
	envsimCmd.Flags().Float64Var(&simFinalReward, "final-reward", 1.0, "Extra reward on the done step")
	envsimCmd.Flags().IntVar(&simControlAfter, "control-after", 0, "Step after which the control plane asserts termination (0 = mirror data plane)")
}

func runEnvsim(cmd *cobra.Command, args []string) error {
	server := envsim.New(envsim.Scenario{
		DoneAfter:             simDoneAfter,
		StepReward:            simStepReward,
		FinalReward:           simFinalReward,
		ControlTerminateAfter: simControlAfter,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start(simListen)
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.Printf("envsim listening on %s", simListen)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
