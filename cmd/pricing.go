package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgeworks/devloop/internal/model"
)

// pricingRow is the yaml seed file schema for one pricing entry.
type pricingRow struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
	Active        *bool   `yaml:"active"`
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage model pricing rows",
}

var pricingLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Upsert pricing rows from a yaml seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read pricing file %s", args[0])
		}

		var rows []pricingRow
		if err := yaml.Unmarshal(data, &rows); err != nil {
			return eris.Wrap(err, "parse pricing file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		for _, row := range rows {
			if row.Provider == "" || row.Model == "" {
				return eris.Errorf("pricing row missing provider or model: %+v", row)
			}
			active := true
			if row.Active != nil {
				active = *row.Active
			}
			err := st.UpsertPricing(ctx, model.ModelPricing{
				Provider:      row.Provider,
				Model:         row.Model,
				InputPerMTok:  row.InputPerMTok,
				OutputPerMTok: row.OutputPerMTok,
				Active:        active,
			})
			if err != nil {
				return err
			}
		}

		fmt.Printf("loaded %d pricing rows\n", len(rows))
		return nil
	},
}

func init() {
	pricingCmd.AddCommand(pricingLoadCmd)
	rootCmd.AddCommand(pricingCmd)
}
