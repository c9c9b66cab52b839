// Command engine runs the progression engine: the background scheduler,
// schema migrations and one-shot leaderboard refreshes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFile     string
	contentPath string
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Learning progression engine",
	Long: `engine schedules reviews, grades attempts, aggregates progress,
ranks learners on leaderboards and unlocks achievements.

Configuration comes from the environment, optionally seeded from an env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before the environment")
	rootCmd.PersistentFlags().StringVar(&contentPath, "content", "", "JSON content document (courses, assessments, questions, achievements)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(refreshCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
