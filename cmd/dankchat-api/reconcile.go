package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/you/dankchat-api/internal/config"
	"github.com/you/dankchat-api/internal/donations"
)

func reconcileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one donation reconciliation and print the donors it added",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, cfg, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func runReconcile(ctx context.Context, cfg config.Config, out io.Writer, asJSON bool) error {
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Run(ctx, "cli")
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(out).Encode(reportJSON(report))
	}
	return printReport(out, report)
}

type donorJSON struct {
	TwitchID  string `json:"twitch_id"`
	ChannelID string `json:"se_channel_id"`
	Name      string `json:"name"`
}

type runJSON struct {
	RunID       string      `json:"run_id"`
	Pages       int         `json:"pages"`
	FailedPages int         `json:"failed_pages"`
	Documents   int         `json:"documents"`
	Candidates  int         `json:"candidates"`
	Inserted    []donorJSON `json:"inserted"`
}

func reportJSON(r donations.Report) runJSON {
	out := runJSON{
		RunID:       r.RunID,
		Pages:       r.Pages,
		FailedPages: r.FailedPages,
		Documents:   r.Documents,
		Candidates:  r.Candidates,
		Inserted:    make([]donorJSON, 0, len(r.Inserted)),
	}
	for _, d := range r.Inserted {
		out.Inserted = append(out.Inserted, donorJSON{TwitchID: d.PlatformUserID, ChannelID: d.SourceChannelID, Name: d.DisplayName})
	}
	return out
}

func printReport(out io.Writer, r donations.Report) error {
	fmt.Fprintf(out, "run %s: %d pages (%d failed), %d documents, %d candidates, %d inserted\n",
		r.RunID, r.Pages, r.FailedPages, r.Documents, r.Candidates, len(r.Inserted))
	if len(r.Inserted) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TWITCH ID\tSE CHANNEL\tNAME")
	for _, d := range r.Inserted {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.PlatformUserID, d.SourceChannelID, d.DisplayName)
	}
	return tw.Flush()
}
