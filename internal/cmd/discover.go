package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-collab/pkg/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List relays advertised on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		backend, err := discovery.New(cfg.Discovery.Backend)
		if err != nil {
			return err
		}
		relays, err := discovery.Collect(cmd.Context(), backend, cfg.Discovery.Timeout)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(relays) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("no relays found"))
			return nil
		}
		for _, r := range relays {
			fmt.Fprintf(out, "%s  %s", titleStyle.Render(r.Instance), r.URL())
			if r.Version != "" {
				fmt.Fprintf(out, "  %s", mutedStyle.Render("v"+r.Version))
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	flags := discoverCmd.Flags()
	flags.String("backend", "", "mdns or zeroconf")
	flags.Duration("timeout", 0, "how long to browse")
	_ = v.BindPFlag("discovery.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("discovery.timeout", flags.Lookup("timeout"))
	rootCmd.AddCommand(discoverCmd)
}
