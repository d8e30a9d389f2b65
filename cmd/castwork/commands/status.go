package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/scheduler"
)

func newStatusCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution and its step results",
		Example: `  castwork status 3f0c2a9e-8a51-4d0b-9a57-1d2b5b1f7c44
  castwork status 3f0c2a9e-8a51-4d0b-9a57-1d2b5b1f7c44 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newControlApp(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			view, err := a.control.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(view)
		},
	}
}

func newCancelCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or running execution",
		Long: `Cancel a pending or running execution. A running execution stops before its
next step; the step in flight is allowed to finish but its result is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newControlApp(cmd.Context(), info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.control.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("execution_id", args[0]).Msg("Execution cancelled")
			return nil
		},
	}
}

func newRetryCommand(info buildInfo) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "retry <execution-id>",
		Short: "Retry a failed or cancelled execution",
		Long: `Retry a failed or cancelled execution. The retry is a new execution with the
same input and the same step snapshot; the original is left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, info)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			mode := a.cfg.Scheduler.Mode
			if mode == scheduler.ModeAsync {
				mode = scheduler.ModeInline
			}
			if err := a.withScheduler(ctx, mode); err != nil {
				return err
			}

			id, err := a.control.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			log.Info().Str("execution_id", id).Str("retry_of", args[0]).Msg("Retry started")

			if mode == scheduler.ModeRedis && !wait {
				return printJSONOrText(map[string]string{"execution_id": id, "retry_of": args[0]}, func() {
					fmt.Printf("Execution %s queued (retry of %s)\n", id, args[0])
				})
			}
			view, err := a.waitForExecution(ctx, id, defaultPollInterval)
			if err != nil {
				return err
			}
			return printStatus(view)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for a queued retry to finish (redis mode)")
	return cmd
}

// newControlApp builds an app whose controller never runs executions: status and
// cancel only touch the store.
func newControlApp(ctx context.Context, info buildInfo) (*app, error) {
	a, err := newApp(ctx, info)
	if err != nil {
		return nil, err
	}
	if err := a.withScheduler(ctx, scheduler.ModeInline); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// printJSONOrText writes v as JSON with --json, otherwise calls text.
func printJSONOrText(v interface{}, text func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func printStatus(view *engine.ExecutionStatusView) error {
	return printJSONOrText(view, func() {
		exec := view.Execution
		fmt.Printf("Execution:  %s\n", exec.ID)
		fmt.Printf("Recipe:     %s (v%d)\n", exec.RecipeID, exec.RecipeVersion)
		fmt.Printf("User:       %s\n", exec.UserID)
		fmt.Printf("Status:     %s\n", exec.Status)
		fmt.Printf("Progress:   %d%% (step %d of %d)\n", exec.Progress, exec.CurrentStep, exec.TotalSteps)
		fmt.Printf("Cost:       %s\n", formatCents(exec.TotalCostCents))
		if exec.RetryOf != "" {
			fmt.Printf("Retry of:   %s\n", exec.RetryOf)
		}
		if exec.ConfidenceScore != nil {
			fmt.Printf("Confidence: %.2f\n", *exec.ConfidenceScore)
		}
		if exec.WarningFlag {
			fmt.Println("Warning:    low confidence")
		}
		if exec.PreviewURL != "" {
			fmt.Printf("Preview:    %s\n", exec.PreviewURL)
		}
		if exec.ErrorMessage != "" {
			fmt.Printf("Error:      %s\n", exec.ErrorMessage)
		}

		if len(view.Steps) == 0 {
			return
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tNAME\tTYPE\tSTATUS\tLATENCY\tCOST\tOUTPUT")
		for _, s := range view.Steps {
			output := s.OutputPreview
			if s.ErrorMessage != "" {
				output = s.ErrorMessage
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%dms\t%s\t%s\n",
				s.StepIndex, s.StepName, s.StepType, s.Status, s.LatencyMs, formatCents(s.CostCents), truncate(output, 60))
		}
		w.Flush()
	})
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
