package cli

import (
	"github.com/spf13/cobra"

	"zooassist/internal/bootstrap"
	"zooassist/internal/seed"
)

func init() {
	var catalog string
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update fragments from the YAML catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(a *bootstrap.App) error {
				path := catalog
				if path == "" {
					path = a.Config.Seed.CatalogPath
				}
				c, err := seed.LoadFile(path)
				if err != nil {
					return err
				}
				result, err := seed.Apply(cmd.Context(), a.Fragments, c, a.Logger)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	seedCmd.Flags().StringVar(&catalog, "catalog", "", "Catalog file (default: seed.catalog_path)")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired sandboxes and fail files whose claim lease ran out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(a *bootstrap.App) error {
				released, err := a.Sandboxes.SweepExpired(cmd.Context())
				if err != nil {
					return err
				}
				failed, err := a.Claims.SweepExpired(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"released": released, "failed_claims": failed})
			})
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute fragment usage counts and report corrections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(a *bootstrap.App) error {
				drifts, err := a.Fragments.ReconcileUsage(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"corrected": drifts})
			})
		},
	}

	RootCmd.AddCommand(seedCmd, sweepCmd, reconcileCmd)
}
