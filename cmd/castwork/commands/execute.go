package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/scheduler"
)

func newExecuteCommand(info buildInfo) *cobra.Command {
	var (
		text           string
		audioURL       string
		userID         string
		idempotencyKey string
		inputs         []string
		wait           bool
		pollInterval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "execute <recipe>",
		Short: "Start an execution of a recipe",
		Long: `Start an execution of a recipe, given by ID or slug.

In inline and async mode the execution runs in this process and the command
returns when it finishes. In redis mode the execution is enqueued for a worker;
use --wait to poll until it reaches a final status.`,
		Example: `  # Turn a blog post into audio
  castwork execute blog-to-audio --text "$(cat post.md)" --user alice

  # Transcribe and summarize a recording
  castwork execute podcast-summary --audio-url https://example.com/ep1.mp3 --user alice

  # Pass extra input fields and wait for a queued execution
  castwork execute blog-to-audio --text hello --input language=de --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := make(map[string]interface{})
			for _, kv := range inputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --input %q, expected key=value", kv)
				}
				input[k] = v
			}
			if text != "" {
				input["text"] = text
			}
			if audioURL != "" {
				input["audio_url"] = audioURL
			}

			return runExecute(cmd.Context(), info, args[0], engine.ExecuteRequest{
				UserID:         userID,
				InputData:      input,
				IdempotencyKey: idempotencyKey,
			}, wait, pollInterval)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "text input")
	cmd.Flags().StringVar(&audioURL, "audio-url", "", "audio input URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user the execution is started for")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key (default: derived from recipe, user and input)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "extra input field as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for a queued execution to finish (redis mode)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", defaultPollInterval, "status poll interval with --wait")

	return cmd
}

const defaultPollInterval = time.Second

func runExecute(ctx context.Context, info buildInfo, recipeRef string, req engine.ExecuteRequest, wait bool, pollInterval time.Duration) error {
	a, err := newApp(ctx, info)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	// A worker pool would be torn down with this process, so async runs inline here.
	mode := a.cfg.Scheduler.Mode
	if mode == scheduler.ModeAsync {
		mode = scheduler.ModeInline
	}
	if err := a.withScheduler(ctx, mode); err != nil {
		return err
	}

	recipe, err := a.resolveRecipe(ctx, recipeRef)
	if err != nil {
		return err
	}
	req.RecipeID = recipe.ID

	resp, err := a.control.Execute(ctx, req)
	if err != nil {
		return err
	}
	log.Info().
		Str("execution_id", resp.ExecutionID).
		Str("recipe", recipe.Slug).
		Bool("deduplicated", resp.Deduplicated).
		Msg("Execution started")

	if mode == scheduler.ModeRedis && !wait {
		return printJSONOrText(resp, func() {
			fmt.Printf("Execution %s queued (%s)\n", resp.ExecutionID, resp.Status)
		})
	}

	view, err := a.waitForExecution(ctx, resp.ExecutionID, pollInterval)
	if err != nil {
		return err
	}
	if err := printStatus(view); err != nil {
		return err
	}
	if view.Execution.Status != engine.ExecutionStatusDone {
		return fmt.Errorf("execution %s finished with status %s", view.Execution.ID, view.Execution.Status)
	}
	return nil
}

// resolveRecipe finds a recipe by slug, then by ID.
func (a *app) resolveRecipe(ctx context.Context, ref string) (*engine.Recipe, error) {
	recipe, err := a.store.GetRecipeBySlug(ctx, ref)
	if err == nil {
		return recipe, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}
	return a.store.FindRecipeWithSteps(ctx, ref)
}

// waitForExecution polls until the execution reaches a terminal status.
func (a *app) waitForExecution(ctx context.Context, id string, interval time.Duration) (*engine.ExecutionStatusView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := a.control.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Execution.Status.IsTerminal() {
			return view, nil
		}
		log.Debug().
			Str("execution_id", id).
			Int("progress", view.Execution.Progress).
			Msg("Waiting for execution")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
