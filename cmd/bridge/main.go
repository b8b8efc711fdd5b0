// Command bridge is the locally-operated database-to-cloud ingest agent
// (spec.md's DataSnap Bridge). Its CLI surface is bound with
// github.com/spf13/cobra, grounded on cuemby-warren's and
// yashwanth-reddy909-beads's cobra command trees, upgraded from the
// teacher's stdlib flag-based cmd/ddb-pitr/main.go per pack convention.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagBaseDir    string
	flagLogLevel   string
	flagLogJSON    bool
	flagStatusAddr string

	log zerolog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "bridge",
	Short:         "DataSnap Bridge — sync local database/log sources to DataSnap Cloud",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "root directory for .bridge (defaults to the executable's directory)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON instead of console-pretty")
	rootCmd.PersistentFlags().StringVar(&flagStatusAddr, "status-addr", "", "loopback address for the status/metrics HTTP server (empty disables it)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(syncCmd, statusCmd, serveCmd)
}

func initLogging() {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if flagLogJSON {
		log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log = zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// exitCodeFor maps an error returned from cobra's Execute to a process
// exit code per spec.md §6.5: 0 success, 1 any failure, 130 on SIGINT.
func exitCodeFor(err error) int {
	if err == errInterrupted {
		return 130
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
