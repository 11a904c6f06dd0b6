package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edcompanion/engine/internal/race"
)

func newRaceCommand(rootOpts *rootOptions) *cobra.Command {
	var libraryDir string

	cmd := &cobra.Command{
		Use:   "race",
		Short: "Validate and manage race definitions",
	}
	cmd.PersistentFlags().StringVar(&libraryDir, "library", "", "race library directory; overrides config")

	library := func() (*race.Library, error) {
		if libraryDir != "" {
			return race.NewLibrary(libraryDir), nil
		}
		cfg, err := rootOpts.loadConfig()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if cfg.Race.LibraryDir == "" {
			return nil, fmt.Errorf("race.library_dir is not configured")
		}
		return race.NewLibrary(cfg.Race.LibraryDir), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a race definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := race.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d waypoints)\n", def.Name, len(def.Waypoints))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a race definition and store it in the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := race.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			lib, err := library()
			if err != nil {
				return err
			}
			slug, err := lib.Save(def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %s\n", def.Name, slug)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List races in the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := library()
			if err != nil {
				return err
			}
			entries, err := lib.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no races")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tWAYPOINTS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Slug, e.Name, e.Waypoints)
			}
			return tw.Flush()
		},
	})

	return cmd
}
