package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/entity"
	"github.com/nabulines/nabulines/internal/index"
)

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := mgr.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.printJSON(rec)
		},
	}
}

func queryCmd(a *app) *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "query <type> <attr> <value>",
		Short: "List ids indexed under attr = value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if resolve {
				recs, err := mgr.Lookup(cmd.Context(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return a.printJSON(recs)
			}
			ids, err := mgr.QueryByAttribute(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "print the matching records, re-checked against their stored value")
	return cmd
}

func rangeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "range <type> <attr> <min> <max>",
		Short: "List ids whose ordered attribute lies in [min, max]",
		Long:  "List ids whose ordered attribute lies in [min, max]. Use -inf or +inf for an open end, after -- so -inf is not read as a flag:\n\n  nabuctl range user followers -- -inf 5000",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			min, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("min: %w", err)
			}
			max, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return fmt.Errorf("max: %w", err)
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := mgr.QueryByRange(cmd.Context(), args[0], args[1], min, max)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
}

func topCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "top <type> <attr>",
		Short: "List the highest-scored ids of an ordered attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			top, err := mgr.Top(cmd.Context(), args[0], args[1], n)
			if err != nil {
				return err
			}
			for i, e := range top {
				name := ""
				if rec, err := mgr.Get(cmd.Context(), args[0], e.ID); err == nil {
					name = displayName(rec)
				}
				fmt.Fprintf(a.out, "%3d. %-40s %-24s %s\n", i+1, e.ID, name, formatScore(e.Score))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 10, "number of entries")
	return cmd
}

func typesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List entity types and their indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			reg := mgr.Registry()
			for _, t := range reg.Types() {
				s, _ := reg.Get(t)
				fmt.Fprintln(a.out, t)
				for _, f := range s.Indexed() {
					fold := ""
					if f.Index.Fold {
						fold = ", folded"
					}
					fmt.Fprintf(a.out, "    %-16s %-10s idx:%s (%s%s)\n", f.Name, f.Kind, f.Index.Name, f.Index.Kind, fold)
				}
			}
			return nil
		},
	}
}

// displayName picks the human-readable field of a built-in record.
func displayName(rec *index.Record) string {
	switch rec.Type {
	case entity.TypeUser:
		if u, err := entity.Decode[entity.User](rec.Attributes); err == nil {
			return u.Username
		}
	case entity.TypeProject:
		if p, err := entity.Decode[entity.Project](rec.Attributes); err == nil {
			return p.Name
		}
	case entity.TypeCampaign:
		if c, err := entity.Decode[entity.Campaign](rec.Attributes); err == nil {
			return c.Title
		}
	}
	return ""
}

func formatScore(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
