package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type logFlags struct {
	dev   bool
	level string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &logFlags{}

	root := &cobra.Command{
		Use:           "relaychat",
		Short:         "Text-protocol chat relay with a file-transfer side channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flags.dev, "dev", false, "human-readable development logging")
	root.PersistentFlags().StringVar(&flags.level, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(flags),
		newChatCommand(flags),
		newFilesCommand(),
		newEventsCommand(),
		newServersCommand(),
	)
	return root
}

// newLogger builds the process logger. fallbackLevel applies when --log-level
// is unset.
func newLogger(flags *logFlags, fallbackLevel string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if flags.dev {
		cfg = zap.NewDevelopmentConfig()
	}

	level := flags.level
	if level == "" {
		level = fallbackLevel
	}
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = parsed
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
