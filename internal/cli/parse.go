package cli

import (
	"fmt"
	"text/tabwriter"

	"pixelwatch/internal/model"
	"pixelwatch/internal/pixel"

	"github.com/spf13/cobra"
)

func newParseCmd(opts *options) *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "parse <url>",
		Short: "Classify a beacon URL without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := pixel.Parse(args[0], model.ResourceType(typ))
			out := cmd.OutOrStdout()

			if opts.output == outputJSON {
				return writeJSON(out, rec)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "type\t%s\n", rec.Type)
			fmt.Fprintf(tw, "project\t%s\t%s\n", dash(rec.ProjectID), check(rec.Validity.ProjectOK))
			fmt.Fprintf(tw, "pixel\t%s\t%s\n", dash(rec.PixelID), check(rec.Validity.PixelOK))
			if rec.Type.IsScript() {
				fmt.Fprintf(tw, "product\t%s\t%s\n", dash(rec.ProductID), check(rec.Validity.ProductOK))
				fmt.Fprintf(tw, "action\t%s\t%s\n", dash(rec.EventAction), check(rec.Validity.ActionOK))
				fmt.Fprintf(tw, "event type\t%s\t%s\n", dash(rec.EventType), check(rec.Validity.TypeOK))
			} else {
				fmt.Fprintf(tw, "action\t%s\n", rec.ActionLabel())
			}
			fmt.Fprintf(tw, "mask\t%#x\n", uint32(rec.ValidityMask()))
			fmt.Fprintf(tw, "status\t%s\n", rec.Status())
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", string(model.ResourceImage), "resource type: script|image")
	return cmd
}

func check(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISSING"
}
