package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/rollout/internal/rowstore"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Rollout - concurrent rollout execution engine",
	Long: `Rollout runs many policy/environment conversations concurrently and
reproducibly: a bounded worker pool drives each rollout to termination,
conversations can be recorded and replayed, and a liveness watcher repairs
rollouts orphaned by crashed processes.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	rowsPath string
	dbPath   string
	logPath  string
)

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultRows := filepath.Join(homeDir, ".rollout", "rows.jsonl")

	rootCmd.PersistentFlags().StringVar(&rowsPath, "rows", defaultRows, "Path to the JSONL row store")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to a SQLite row store (overrides --rows)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Optional log file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(envsimCmd)
}

// openStore opens the configured row store backend.
func openStore() (rowstore.Store, error) {
	if dbPath != "" {
		return rowstore.OpenSQLite(dbPath)
	}
	return rowstore.OpenJSONL(rowsPath)
}

// storeDir is the directory holding the row store and its lock files.
func storeDir() string {
	if dbPath != "" {
		return filepath.Dir(dbPath)
	}
	return filepath.Dir(rowsPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
