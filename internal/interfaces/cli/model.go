package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
)

// InitResult reports a newly written checkpoint.
type InitResult struct {
	CheckpointID string    `json:"checkpoint_id"`
	ModelID      string    `json:"model_id"`
	ModelVersion string    `json:"model_version"`
	Task         string    `json:"task"`
	Parameters   int       `json:"parameters"`
	Trainable    int       `json:"trainable"`
	Transferred  []string  `json:"transferred,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *InitResult) TableHeaders() []string {
	return []string{"CHECKPOINT", "MODEL", "TASK", "PARAMETERS", "TRAINABLE"}
}

func (r *InitResult) TableRows() [][]string {
	return [][]string{{
		r.CheckpointID,
		r.ModelID + "@" + r.ModelVersion,
		r.Task,
		strconv.Itoa(r.Parameters),
		strconv.Itoa(r.Trainable),
	}}
}

func newInitCmd() *cobra.Command {
	var (
		id   string
		from string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Build a model from config and store its initial checkpoint",
		Long: "Build a model from the model section of the configuration and save its\n" +
			"checkpoint. With --from, parameters of a stored checkpoint whose name and\n" +
			"shape match are copied into the new model before freezing is applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd.Context(), cliCtx)
			defer cancel()

			rt, err := newRuntime(ctx, cliCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var (
				model       *mixprop.Model
				transferred []string
			)
			if from != "" {
				pretrained, err := rt.store.Load(ctx, from)
				if err != nil {
					return err
				}
				model, transferred, err = mixprop.RestoreForTransfer(pretrained, &rt.cfg.Model, mixprop.WithLogger(rt.logger))
				if err != nil {
					return err
				}
			} else {
				model, err = mixprop.NewModel(&rt.cfg.Model, mixprop.WithLogger(rt.logger))
				if err != nil {
					return err
				}
			}

			ckpt := mixprop.NewCheckpoint(model)
			if id != "" {
				ckpt.ID = id
			}
			if err := rt.store.Save(ctx, ckpt); err != nil {
				return err
			}

			total, trainable := model.ParameterCounts()
			cfg := model.Config()
			rt.logger.Info("checkpoint written",
				logging.String("checkpoint_id", ckpt.ID),
				logging.Int("transferred", len(transferred)),
			)
			return PrintResult(cmd, &InitResult{
				CheckpointID: ckpt.ID,
				ModelID:      cfg.ModelID,
				ModelVersion: cfg.ModelVersion,
				Task:         string(cfg.Task),
				Parameters:   total,
				Trainable:    trainable,
				Transferred:  transferred,
				CreatedAt:    ckpt.CreatedAt,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "checkpoint id (default: random UUID)")
	cmd.Flags().StringVar(&from, "from", "", "pretrained checkpoint id to transfer parameters from")
	return cmd
}

// InspectResult describes a stored checkpoint.
type InspectResult struct {
	CheckpointID string    `json:"checkpoint_id"`
	CreatedAt    time.Time `json:"created_at"`
	Summary      []string  `json:"summary"`
	Parameters   int       `json:"parameters"`
	Trainable    int       `json:"trainable"`
	Frozen       []string  `json:"frozen,omitempty"`
}

func (r *InspectResult) String() string {
	s := fmt.Sprintf("checkpoint %s (created %s)\n", r.CheckpointID, r.CreatedAt.Format(time.RFC3339))
	for _, l := range r.Summary {
		s += l + "\n"
	}
	s += fmt.Sprintf("parameters: %d (trainable %d, frozen tensors %d)", r.Parameters, r.Trainable, len(r.Frozen))
	return s
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [checkpoint-id]",
		Short: "Describe a stored checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd.Context(), cliCtx)
			defer cancel()

			rt, err := newRuntime(ctx, cliCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := cliCtx.Config.Checkpoint.ActiveID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return cmd.Usage()
			}
			ckpt, err := rt.store.Load(ctx, id)
			if err != nil {
				return err
			}
			model, err := ckpt.Restore(mixprop.WithLogger(rt.logger))
			if err != nil {
				return err
			}

			total, trainable := model.ParameterCounts()
			res := &InspectResult{
				CheckpointID: ckpt.ID,
				CreatedAt:    ckpt.CreatedAt,
				Summary:      model.Summary(),
				Parameters:   total,
				Trainable:    trainable,
			}
			for _, p := range model.Parameters() {
				if p.Frozen {
					res.Frozen = append(res.Frozen, p.Name)
				}
			}
			return PrintResult(cmd, res)
		},
	}
}

// ListResult enumerates stored checkpoint ids.
type ListResult struct {
	Checkpoints []string `json:"checkpoints"`
	Active      string   `json:"active,omitempty"`
}

func (r *ListResult) TableHeaders() []string { return []string{"CHECKPOINT", "ACTIVE"} }

func (r *ListResult) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Checkpoints))
	for _, id := range r.Checkpoints {
		active := ""
		if id == r.Active {
			active = "*"
		}
		rows = append(rows, []string{id, active})
	}
	return rows
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd.Context(), cliCtx)
			defer cancel()

			rt, err := newRuntime(ctx, cliCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids, err := rt.store.List(ctx)
			if err != nil {
				return err
			}
			if ids == nil {
				ids = []string{}
			}
			return PrintResult(cmd, &ListResult{Checkpoints: ids, Active: cliCtx.Config.Checkpoint.ActiveID})
		},
	}
}
