package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"pixelwatch/internal/pixel"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

// getJSON fetches path from the server and decodes into v; raw is the
// body as received.
func getJSON(ctx context.Context, server, path string, v any) (raw []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raw, nil
}

func newContextsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "contexts",
		Short: "List tracked browsing contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sums []pixel.Summary
			if _, err := getJSON(cmd.Context(), opts.server, "/contexts", &sums); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == outputJSON {
				return writeJSON(out, sums)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CONTEXT\tRECORDS\tERRORS\tWARNINGS\tBADGE")
			for _, s := range sums {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s %s\n",
					s.ContextID, s.Records, s.Errors, s.Warnings, dash(s.Badge.Label), s.Badge.Severity)
			}
			return tw.Flush()
		},
	}
}

// recordView is the subset of a served record the text output shows.
type recordView struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	PixelID   string          `json:"pixel_id"`
	Action    string          `json:"action"`
	Status    pixel.Severity  `json:"status"`
	Elapsed   json.RawMessage `json:"elapsed_ms"`
	ErrorText string          `json:"error_text"`
}

type snapshotView struct {
	ContextID  string       `json:"context_id"`
	Records    []recordView `json:"records"`
	Duplicates int          `json:"duplicate_count"`
	Badge      pixel.Badge  `json:"badge"`
}

func newQueryCmd(opts *options) *cobra.Command {
	var group bool

	cmd := &cobra.Command{
		Use:   "query <context>",
		Short: "Show the beacons recorded for one context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/contexts/" + url.PathEscape(args[0])
			if group && opts.output == outputJSON {
				path += "?group=pixel"
			}

			var snap snapshotView
			raw, err := getJSON(cmd.Context(), opts.server, path, &snap)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == outputJSON {
				_, err := fmt.Fprintln(out, strings.TrimSpace(string(raw)))
				return err
			}

			fmt.Fprintf(out, "context %s: badge %s %s, duplicates %d\n",
				snap.ContextID, dash(snap.Badge.Label), snap.Badge.Severity, snap.Duplicates)
			if len(snap.Records) == 0 {
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "REQUEST\tTYPE\tPIXEL\tACTION\tSTATUS\tELAPSED")
			for _, r := range sortForDisplay(snap.Records, group) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RequestID, r.Type, dash(r.PixelID), r.Action, r.Status, elapsedText(r.Elapsed))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&group, "group", false, "group records by pixel id")
	return cmd
}

// sortForDisplay keeps arrival order, or clusters by pixel id in order of
// first appearance when grouping.
func sortForDisplay(records []recordView, group bool) []recordView {
	if !group {
		return records
	}
	var order []string
	byPixel := make(map[string][]recordView)
	for _, r := range records {
		if _, ok := byPixel[r.PixelID]; !ok {
			order = append(order, r.PixelID)
		}
		byPixel[r.PixelID] = append(byPixel[r.PixelID], r)
	}
	out := make([]recordView, 0, len(records))
	for _, id := range order {
		out = append(out, byPixel[id]...)
	}
	return out
}

func elapsedText(raw json.RawMessage) string {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return "-"
	}
	return s
}
