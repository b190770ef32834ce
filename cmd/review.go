package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/model"
)

var (
	reviewAction   string
	reviewLat      float64
	reviewLng      float64
	reviewNotes    string
	reviewReviewer string
	reopenActor    string
)

var reviewCmd = &cobra.Command{
	Use:   "review <query-id>",
	Short: "Approve or reject a geocoding result",
	Long: `Applies a manual decision to the current result of a query.

Approving with --lat and --lng stores the manual coordinate as final;
approving without them accepts the recommended coordinate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		decision, err := buildDecision(reviewAction, reviewNotes, reviewReviewer,
			cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng"), reviewLat, reviewLng)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		v, err := env.Engine.SubmitReview(ctx, args[0], decision)
		if err != nil {
			return eris.Wrap(err, "submit review")
		}
		zap.L().Info("review recorded",
			zap.String("query_id", args[0]),
			zap.String("status", string(v.Status)),
		)
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <query-id>",
	Short: "Archive the current result of a query and geocode it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		batchID, err := env.Engine.Reopen(ctx, args[0], reopenActor)
		if err != nil {
			return eris.Wrap(err, "reopen")
		}
		if err := env.Engine.Wait(ctx, batchID); err != nil {
			return eris.Wrap(err, "wait for reopened batch")
		}

		rec, err := env.Engine.Result(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load result")
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

// buildDecision validates review flags. Coordinates must be given together.
func buildDecision(action, notes, reviewer string, hasLat, hasLng bool, lat, lng float64) (model.ReviewDecision, error) {
	d := model.ReviewDecision{
		Action:   model.ReviewAction(strings.ToLower(strings.TrimSpace(action))),
		Notes:    notes,
		Reviewer: strings.TrimSpace(reviewer),
	}
	switch d.Action {
	case model.ReviewApprove, model.ReviewReject:
	default:
		return d, eris.Errorf("--action must be approve or reject, got %q", action)
	}
	if hasLat != hasLng {
		return d, eris.New("--lat and --lng must be given together")
	}
	if hasLat {
		d.Manual = &model.Coordinate{Lat: lat, Lng: lng}
	}
	return d, nil
}

func init() {
	reviewCmd.Flags().StringVar(&reviewAction, "action", "", "approve or reject (required)")
	reviewCmd.Flags().Float64Var(&reviewLat, "lat", 0, "manual latitude")
	reviewCmd.Flags().Float64Var(&reviewLng, "lng", 0, "manual longitude")
	reviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "review notes")
	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "reviewer name (required)")
	_ = reviewCmd.MarkFlagRequired("action")
	_ = reviewCmd.MarkFlagRequired("reviewer")

	reopenCmd.Flags().StringVar(&reopenActor, "actor", "", "who is reopening the result (required)")
	_ = reopenCmd.MarkFlagRequired("actor")

	rootCmd.AddCommand(reviewCmd, reopenCmd)
}
