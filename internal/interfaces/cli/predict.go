package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	"github.com/turtacn/mixprop/pkg/errors"
)

// predictionTable renders a PredictResponse as one line per row.
type predictionTable struct {
	*mixprop.PredictResponse
}

func (t predictionTable) TableHeaders() []string { return []string{"ROW", "PREDICTION"} }

func (t predictionTable) TableRows() [][]string {
	return matrixRows(t.Predictions)
}

func matrixRows(m [][]float64) [][]string {
	rows := make([][]string, len(m))
	for i, r := range m {
		vals := make([]string, len(r))
		for j, v := range r {
			vals[j] = strconv.FormatFloat(v, 'g', 6, 64)
		}
		rows[i] = []string{strconv.Itoa(i), strings.Join(vals, " ")}
	}
	return rows
}

func newPredictCmd() *cobra.Command {
	var (
		modelID   string
		input     string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict mixture properties for a batch of rows",
		Long: "Read a JSON request of the form {\"rows\": [...]} and print one prediction row\n" +
			"per input row. Each row carries the featurized graphs of both components and\n" +
			"the global features ending with the mole fraction of the first component and\n" +
			"the temperature.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			var req mixprop.PredictRequest
			if err := readJSONInput(cmd.InOrStdin(), input, &req); err != nil {
				return err
			}
			if cmd.Flags().Changed("batch-size") {
				if batchSize < 1 {
					return errors.NewInvalidInputError("invalid batch size").WithDetailf("--batch-size must be ≥ 1, got %d", batchSize)
				}
				cliCtx.Config.Inference.MaxBatchRows = batchSize
			}

			ctx, cancel := commandContext(cmd.Context(), cliCtx)
			defer cancel()
			rt, err := newRuntime(ctx, cliCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, _, err := rt.serving(ctx, modelID)
			if err != nil {
				return err
			}
			resp, err := srv.Predict(ctx, &req)
			if err != nil {
				return err
			}
			return PrintResult(cmd, predictionTable{resp})
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "checkpoint id (default: checkpoint.active_id)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "request file, - for stdin")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per forward pass; larger requests run as concurrent batches (default: inference.max_batch_rows)")
	return cmd
}

type fingerprintTable struct {
	*mixprop.FingerprintResponse
}

func (t fingerprintTable) TableHeaders() []string { return []string{"ROW", "FINGERPRINT"} }

func (t fingerprintTable) TableRows() [][]string {
	return matrixRows(t.Fingerprints)
}

func newFingerprintCmd() *cobra.Command {
	var (
		modelID string
		input   string
		kind    string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute latent representations for a batch of rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			var req mixprop.FingerprintRequest
			if err := readJSONInput(cmd.InOrStdin(), input, &req); err != nil {
				return err
			}
			if cmd.Flags().Changed("type") || req.Type == "" {
				req.Type = mixprop.FingerprintType(kind)
			}

			ctx, cancel := commandContext(cmd.Context(), cliCtx)
			defer cancel()
			rt, err := newRuntime(ctx, cliCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, _, err := rt.serving(ctx, modelID)
			if err != nil {
				return err
			}
			resp, err := srv.Fingerprint(ctx, &req)
			if err != nil {
				return err
			}
			return PrintResult(cmd, fingerprintTable{resp})
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "checkpoint id (default: checkpoint.active_id)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "request file, - for stdin")
	cmd.Flags().StringVarP(&kind, "type", "t", string(mixprop.FingerprintMPN), "fingerprint type (MPN, last_FFN)")
	return cmd
}
