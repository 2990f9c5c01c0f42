package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/spf13/cobra"
)

func newCatalogCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List models, pipelines and presets, validating CATALOG_FILE if set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Load(file)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tKIND\tDEVICE\tNAME")
			for _, m := range cat.Models() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Kind, m.DefaultDevice, m.Name)
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "PIPELINE\tSTAGES\tNAME")
			for _, p := range cat.Pipelines() {
				stages := make([]string, len(p.Stages))
				for i, s := range p.Stages {
					stages[i] = s.ID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, strings.Join(stages, ","), p.Name)
			}
			fmt.Fprintln(w)

			presets := cat.Presets()
			names := make([]string, 0, len(presets))
			for name := range presets {
				names = append(names, name)
			}
			slices.Sort(names)
			fmt.Fprintln(w, "PRESET\tMODEL")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, presets[name])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&file, "file", os.Getenv("CATALOG_FILE"), "YAML catalog extension to validate and include")
	return cmd
}
