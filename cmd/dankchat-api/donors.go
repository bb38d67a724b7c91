package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/you/dankchat-api/internal/config"
	"github.com/you/dankchat-api/internal/store"
)

func donorsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "donors",
		Short: "List the donors recorded in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDonors(cmd.Context(), cfg, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print donors as JSON")
	return cmd
}

func runDonors(ctx context.Context, cfg config.Config, out io.Writer, asJSON bool) error {
	st, err := store.OpenSQLite(ctx, cfg.Database.Path, cfg.Database.Tuning)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	donors, err := st.Donors(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		list := make([]donorJSON, 0, len(donors))
		for _, d := range donors {
			list = append(list, donorJSON{TwitchID: d.PlatformUserID, ChannelID: d.SourceChannelID, Name: d.DisplayName})
		}
		return json.NewEncoder(out).Encode(list)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TWITCH ID\tSE CHANNEL\tNAME\tADDED")
	for _, d := range donors {
		added := "-"
		if !d.CreatedAt.IsZero() {
			added = d.CreatedAt.UTC().Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.PlatformUserID, d.SourceChannelID, d.DisplayName, added)
	}
	return tw.Flush()
}
