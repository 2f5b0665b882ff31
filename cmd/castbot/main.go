package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"castbot/internal/app"
	"castbot/internal/recipients"
	logx "castbot/pkg/logx"
	"castbot/pkg/systemd"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
)

const longHelp = `castbot is a Telegram console for broadcasting a message to every
registered recipient.

Owners compose a draft with /broadcast, attach URL buttons, preview it and
confirm. Delivery is paced, throttling is retried and a report is posted
when the run finishes.`

var exampleUsage = strings.TrimSpace(`
  castbot --config /etc/castbot/config.yaml
  castbot recipients count --config ./config.json
  castbot recipients export --out users.txt
`)

const stopTimeout = 15 * time.Second

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var cfgPath, logLevel string

	root := &cobra.Command{
		Use:           "castbot",
		Short:         "Telegram broadcast console",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := ""
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "log-level" {
					level = logLevel
				}
			})
			return run(cfgPath, level)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json, yaml or toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "override logging.level from the config file")

	root.AddCommand(recipientsCmd(&cfgPath, &logLevel), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, logLevel string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, app.WithVersion(getVersion()), app.WithLogLevel(logLevel))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	_, _ = systemd.Ready()
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() {
		healthy := func() bool {
			select {
			case <-a.Done():
				return false
			default:
				return true
			}
		}
		_ = systemd.Watchdog(wdCtx, healthy)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopSignal
wait:
	for {
		select {
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "reload:", err)
			}
		case <-ctx.Done():
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		}
	}
	wdCancel()
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return stopErr
}

func recipientsCmd(cfgPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipients",
		Short: "Inspect the recipient directory without starting the bot",
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of distinct recipients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, err := app.OpenDirectory(ctx, *cfgPath, logx.NewConsole(*logLevel))
			if err != nil {
				return err
			}
			defer dir.Close()
			n, err := dir.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write recipient ids, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, err := app.OpenDirectory(ctx, *cfgPath, logx.NewConsole(*logLevel))
			if err != nil {
				return err
			}
			defer dir.Close()
			ids, err := dir.List(ctx)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				return recipients.WriteIDs(cmd.OutOrStdout(), ids)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := recipients.WriteIDs(f, ids); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d ids to %s\n", len(ids), out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "-", "output file; - for stdout")

	cmd.AddCommand(count, export)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "castbot %s %s/%s\n", getVersion(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
