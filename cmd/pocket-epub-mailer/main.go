// Package main is the entry point for pocket-epub-mailer.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shineum/pocket-epub-mailer/internal/app"
	"github.com/shineum/pocket-epub-mailer/internal/config"
	"github.com/shineum/pocket-epub-mailer/internal/convert"
	"github.com/shineum/pocket-epub-mailer/internal/pocket"
)

var errMissingVerb = errors.New("missing verb, rerun with --help for more information")

type options struct {
	configFile string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pocket-epub-mailer",
		Short:         "Send unread Pocket articles to an e-reader as e-books",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			setupLogger(errOut, opts.logLevel, "console")
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(errOut)
			if err := cmd.Usage(); err != nil {
				return errors.Join(errMissingVerb, fmt.Errorf("failed to print usage: %w", err))
			}
			return errMissingVerb
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.configFile, "config-file", "config.toml", "path to the TOML or YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the configuration")

	root.AddCommand(
		newGetTokenCmd(opts),
		newSendFileCmd(opts),
		newProcessCmd(opts),
		newExtractCmd(),
	)
	return root
}

func newGetTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get_token",
		Short: "Authorize a Pocket account and print its access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = a.GetToken(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			return err
		},
	}
}

func newSendFileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send_epub_file <username> <filename>",
		Short: "Email a local e-book to an account's destination address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.SendFile(cmd.Context(), args[0], args[1])
		},
	}
}

func newProcessCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "process_and_send",
		Short: "Convert, send and archive every unread article of every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			start := time.Now()
			report, err := a.ProcessAndSend(cmd.Context())
			log.Info().
				Object("report", report).
				Dur("elapsed", time.Since(start)).
				Msg("run finished")
			return err
		},
	}
}

// buildApp loads the configuration and wires the application to the real
// Pocket API, conversion pipeline and configured delivery provider.
func buildApp(ctx context.Context, opts *options, errOut io.Writer) (*app.App, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	setupLogger(errOut, level, cfg.Logging.Format)

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("config", opts.configFile).
		Str("provider", prov.Name()).
		Int("accounts", len(cfg.Accounts())).
		Msg("configuration loaded")

	return app.New(cfg, pocket.NewClient(cfg.ConsumerKey), convert.New(cfg.Conversion), prov), nil
}

// setupLogger configures the global zerolog logger. Unknown levels fall back
// to info.
func setupLogger(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
	}
}
