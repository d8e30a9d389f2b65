package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castwork/castwork/pkg/config"
	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/providers"
	"github.com/castwork/castwork/pkg/recipes"
)

func newRecipesCommand(info buildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "Manage recipes",
		Long:  `List stored recipes, sync recipe presets into the store and validate preset files.`,
	}

	cmd.AddCommand(newRecipesListCommand(info))
	cmd.AddCommand(newRecipesSyncCommand(info))
	cmd.AddCommand(newRecipesValidateCommand())
	cmd.AddCommand(newRecipesSetStatusCommand(info, "activate", engine.RecipeStatusActive))
	cmd.AddCommand(newRecipesSetStatusCommand(info, "deactivate", engine.RecipeStatusInactive))

	return cmd
}

func newRecipesListCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored recipes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			list, err := a.store.ListRecipes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrText(list, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SLUG\tNAME\tINPUT\tSTATUS\tVERSION\tSTEPS")
				for _, r := range list {
					types := make([]string, len(r.Steps))
					for i, s := range r.Steps {
						types[i] = string(s.Type)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.Slug, r.Name, r.InputKind, r.Status, r.Version, strings.Join(types, ","))
				}
				w.Flush()
			})
		},
	}
}

func newRecipesSyncCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [paths...]",
		Short: "Load recipe presets into the store",
		Long: `Load recipe presets (CUE or YAML) and save them by slug. Nothing is saved
unless every preset is valid. A recipe's version is bumped only when its steps change.

Paths default to recipes.paths from the config.`,
		Example: `  castwork recipes sync
  castwork recipes sync ./recipes/presets ./team-recipes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			paths := a.cfg.Recipes.Paths
			if len(args) > 0 {
				paths = args
			}
			syncer := recipes.NewSyncer(a.store, a.registry, paths, a.logger)
			results, err := syncer.Sync(cmd.Context())
			if err != nil {
				return err
			}

			return printJSONOrText(results, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SLUG\tVERSION\tCHANGE")
				for _, r := range results {
					change := "unchanged"
					switch {
					case r.Created:
						change = "created"
					case r.StepsChanged:
						change = "steps updated"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", r.Slug, r.Version, change)
				}
				w.Flush()
			})
		},
	}
}

func newRecipesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate recipe presets without a store",
		Long: `Validate recipe presets against the schema, check skip conditions and
templates, and check that a provider is configured for every step type.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, _, err := providers.Build(cfg.Providers)
			if err != nil {
				return err
			}
			var adapters recipes.AdapterSet = registry
			if cfg.Publish.Kind != config.PublishNone {
				// The publish adapter is bound from the sink at startup.
				adapters = publishBound{registry}
			}

			paths := cfg.Recipes.Paths
			if len(args) > 0 {
				paths = args
			}
			presets, err := recipes.NewSyncer(nil, adapters, paths, log.Logger).Load()
			if err != nil {
				return err
			}
			for _, p := range presets {
				fmt.Printf("ok  %s (%s, %d steps)\n", p.Slug, p.Source, len(p.Steps))
			}
			return nil
		},
	}
}

// publishBound treats the publish step type as bound.
type publishBound struct {
	recipes.AdapterSet
}

func (p publishBound) Missing(types []engine.StepType) []engine.StepType {
	var missing []engine.StepType
	for _, t := range p.AdapterSet.Missing(types) {
		if t != engine.StepTypePublish {
			missing = append(missing, t)
		}
	}
	return missing
}

func newRecipesSetStatusCommand(info buildInfo, verb string, status engine.RecipeStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <recipe>",
		Short: fmt.Sprintf("Mark a recipe %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			recipe, err := a.resolveRecipe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetRecipeStatus(cmd.Context(), recipe.ID, status); err != nil {
				return err
			}
			log.Info().Str("recipe", recipe.Slug).Str("status", string(status)).Msg("Recipe status updated")
			return nil
		},
	}
}
