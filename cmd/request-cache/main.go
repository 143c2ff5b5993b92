package main

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	dbFilenameFlag     string
	originFlag         string
	portFlag           int
	ttlFlag            string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "request-cache",
		Short:         "Cache GET responses in a local database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flags.StringVar(&ttlFlag, "ttl", "", "Default time to live of cached responses, e.g. 90s or 1d")
	flags.BoolVarP(&verbosityTraceFlag, "vv", "v", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	root.AddCommand(newServeCommand(), newGetCommand(), newPurgeCommand())
	return root
}

func setupLogging() error {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// log to stderr, so that fetched bodies on stdout stay clean
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()
	return nil
}

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
