package main

import (
	"fmt"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/spf13/cobra"
)

func buildValidateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and recipe book without starting the machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			book, err := orders.NewRecipeBook()
			if err != nil {
				return err
			}
			if err := book.LoadFile(cfg.Recipes.Path); err != nil {
				return err
			}
			zones := make([]string, len(cfg.Zones))
			for i, z := range cfg.Zones {
				zones[i] = z.Name
			}
			if err := book.CheckZones(zones); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config %s ok\n", *configFile)
			fmt.Fprintf(out, "zones: %v\n", zones)
			fmt.Fprintf(out, "recipes: %v\n", book.Names())
			return nil
		},
	}
}
