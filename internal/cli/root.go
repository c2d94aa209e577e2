// Package cli is the pixelctl command tree.
package cli

import (
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

type options struct {
	server string
	output string
}

// NewRootCmd returns the root command for pixelctl.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pixelctl",
		Short:         "Inspect analytics beacons",
		Long:          "pixelctl classifies beacon URLs offline, reads a running pixelwatch server, or watches a browser directly.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case outputText, outputJSON:
				return nil
			}
			return fmt.Errorf("unknown output format %q (text|json)", opts.output)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "pixelwatch server base URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "output format: text|json")

	root.AddCommand(newParseCmd(opts))
	root.AddCommand(newContextsCmd(opts))
	root.AddCommand(newQueryCmd(opts))
	root.AddCommand(newWatchCmd(opts))

	return root
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// dash renders empty values in text tables.
func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
