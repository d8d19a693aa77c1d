package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/index"
)

func purgeCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <type>",
		Short: "Delete every record and index key of an entity type",
		Long: `Delete every record of an entity type together with all of its index
keys. Meant for resetting development and load-test data; requires --yes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("purge deletes data; pass --yes to confirm")
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			s, err := mgr.Registry().Get(args[0])
			if err != nil {
				return err
			}
			rdb, err := a.redis(cmd.Context())
			if err != nil {
				return err
			}

			var total int64
			for _, pattern := range index.KeyPatterns(s) {
				n, err := rdb.FlushByPattern(cmd.Context(), pattern)
				total += n
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out, "deleted %d keys of %s\n", total, s.Type)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
