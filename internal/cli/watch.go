package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pixelwatch/internal/cdp"
	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/pixel"
	"pixelwatch/internal/scope"
	"pixelwatch/internal/worker"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	cdpURL  string
	hosts   []string
	types   []string
	damper  time.Duration
	countTE bool
}

func newWatchCmd(opts *options) *cobra.Command {
	wo := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to a browser over CDP and print badge changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if wo.cdpURL == "" {
				return errors.New("--cdp-url is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, wo, opts.output, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&wo.cdpURL, "cdp-url", "", "DevTools websocket URL (ws://host:9222/devtools/browser/...)")
	cmd.Flags().StringSliceVar(&wo.hosts, "host", []string{config.DefaultScopeHost}, "beacon host globs")
	cmd.Flags().StringSliceVar(&wo.types, "type", []string{"script", "image"}, "resource types to track")
	cmd.Flags().DurationVar(&wo.damper, "damper", 5*time.Second, "age a record must reach before navigation evicts it")
	cmd.Flags().BoolVar(&wo.countTE, "count-transport-errors", true, "count failed requests as errors")
	return cmd
}

func runWatch(ctx context.Context, wo *watchOptions, output string, out, errOut io.Writer) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	cfg := config.Config{
		ChannelSize:          1024,
		EvictionDamper:       wo.damper,
		CountTransportErrors: wo.countTE,
	}
	mgr := worker.NewManager(cfg, metrics.New(), worker.ManagerOptions{
		Notifier: badgePrinter(out, output),
		Logger:   log.With().Str("component", "engine").Logger(),
	})
	mgr.Start()
	defer mgr.Shutdown()

	tr := cdp.NewTranslator(scope.New(wo.hosts, wo.types))
	src := cdp.NewSource(wo.cdpURL, mgr, tr, log.With().Str("component", "cdp").Logger())
	if err := src.Run(ctx); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// badgePrinter writes one line per badge change. It runs on the engine
// goroutine.
func badgePrinter(w io.Writer, output string) pixel.Notifier {
	return pixel.NotifierFunc(func(contextID string, b pixel.Badge) {
		if output == outputJSON {
			line, _ := json.Marshal(struct {
				ContextID string      `json:"context_id"`
				Badge     pixel.Badge `json:"badge"`
			}{contextID, b})
			fmt.Fprintln(w, string(line))
			return
		}
		fmt.Fprintf(w, "%s  %-6s %s\n", contextID, dash(b.Label), b.Severity)
	})
}
