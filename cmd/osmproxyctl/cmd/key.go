package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternlabs/osm-proxy/internal/cache/keys"
)

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <path> [query]",
		Short: "Print the cache key a request maps to",
		Long: `Derives the cache key for a proxied request without touching Redis.

  osmproxyctl key /features 'bbox=18,59,18.1,59.1&fmt=json'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 2 {
				query = args[1]
			}
			k, err := keys.Derive(args[0], query)
			if err != nil {
				return fmt.Errorf("%s?%s bypasses the cache: %w", args[0], query, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:    %s\n", k.Store)
			fmt.Fprintf(out, "digest: %s\n", k.Digest)
			if k.Footprint != nil {
				fmt.Fprintf(out, "bbox:   %s\n", *k.Footprint)
			}
			return nil
		},
	}
}
