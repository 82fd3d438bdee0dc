package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/ryanmoran/dhscan/internal"
	"github.com/spf13/cobra"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic occurred: %v", r)
			os.Exit(1)
		}
	}()

	w := internal.NewStandardWriter()
	if err := run(os.Args, os.Environ(), w, os.Stderr); err != nil {
		w.Errorf("%s", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs. The logger is replaced once flags are parsed
// so that --verbose takes effect.
type app struct {
	config *internal.Config
	writer internal.Writer
	logOut io.Writer
	logger zerolog.Logger
}

func run(args, env []string, w internal.Writer, logOut io.Writer) error {
	env = internal.LoadDotenv(internal.DefaultDotenvFile, env)

	config, err := internal.LoadConfig(args[1:], env)
	if err != nil {
		return err
	}

	// Create context with cancellation so that in-flight requests and
	// container waits stop on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	a := &app{
		config: &config,
		writer: w,
		logOut: logOut,
		logger: internal.NewLogger(logOut, config.Verbose),
	}

	cmd := newRootCommand(a)
	cmd.SetArgs(args[1:])
	cmd.SetOut(w.GetWriter())
	cmd.SetErr(logOut)

	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dhscan",
		Short: "Scan a repository with dhscanner and fail on findings",
		Long: `dhscan builds and starts the dhscanner service, sends a gzip-compressed tarball of a
repository ref to it, saves the SARIF report it answers with, uploads the report to
GitHub code scanning, and exits non-zero when the report contains any finding.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.logger = internal.NewLogger(a.logOut, a.config.Verbose)
			if a.config.File != "" {
				a.logger.Debug().Str("path", a.config.File).Msg("loaded configuration file")
			}
		},
	}

	a.config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newScanCommand(a),
		newGateCommand(a),
		newUploadCommand(a),
	)

	return cmd
}
