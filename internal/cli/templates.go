package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/forgefab/conductor/internal/template"
)

var templatesPath string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect pipeline templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates and their plan estimates",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := template.NewRegistry(templatesPath)
		if err != nil {
			return err
		}

		templates := registry.List()
		sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

		for _, tmpl := range templates {
			plan, err := template.BuildPlan(tmpl)
			if err != nil {
				fmt.Printf("%-30s INVALID: %v\n", tmpl.Name, err)
				continue
			}
			fmt.Printf("%-30s %2d stages  %2d tiers  ~$%.4f  ~%dms\n",
				tmpl.Name, len(tmpl.Stages), len(plan.Tiers),
				plan.EstimatedTotalCostUSD, plan.EstimatedTotalTimeMs)
		}
		return nil
	},
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every template in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := template.NewRegistry(templatesPath)
		if err != nil {
			return err
		}

		count := len(registry.List())
		fmt.Printf("%d valid template(s) in %s\n", count, templatesPath)
		return nil
	},
}

func init() {
	templatesCmd.PersistentFlags().StringVar(&templatesPath, "path", "templates", "Template directory")
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesValidateCmd)
	rootCmd.AddCommand(templatesCmd)
}
