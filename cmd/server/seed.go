package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/widget-chat/internal/db"
	"github.com/suPer8Hu/widget-chat/internal/widget"
)

func newSeedCmd() *cobra.Command {
	var (
		file    string
		migrate bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load widgets from a YAML file",
		Long:  "Creates or updates the widgets listed in a YAML seed file. Widgets are matched by id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := widget.LoadSeedFile(file)
			if err != nil {
				return err
			}
			_, logger, gdb, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if migrate {
				if err := db.Migrate(gdb); err != nil {
					return err
				}
			}
			n, err := seed.Apply(cmd.Context(), widget.NewRepo(gdb))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d widgets from %s\n", n, file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "widgets.yaml", "seed file")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run migrations first")
	return cmd
}
