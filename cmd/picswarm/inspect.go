package main

import (
	"fmt"
	"sort"

	"github.com/notargets/PICSwarm/checkpoint"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Print the attributes and datasets of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := checkpoint.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCheckpoint(cmd, f, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 0, "print the first N particles of every dataset")
	return cmd
}

func printCheckpoint(cmd *cobra.Command, f *checkpoint.File, rows int) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", f.Path)

	names := make([]string, 0, len(f.Attributes))
	for name := range f.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-14s %s\n", name, f.Attributes[name])
	}

	n := min(rows, f.ParticleCount())
	for _, ds := range f.Datasets {
		fmt.Fprintf(out, "  dataset %-14s %-8v dof %d  %d bytes\n", ds.Name, ds.DataType, ds.Dof, len(ds.Data))
		for p := 0; p < n; p++ {
			fmt.Fprintf(out, "    %6d", p)
			for d := 0; d < ds.Dof; d++ {
				fmt.Fprintf(out, " %14.6g", ds.Value(p, d))
			}
			fmt.Fprintln(out)
		}
	}
}
