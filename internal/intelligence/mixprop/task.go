package mixprop

import (
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Task is the task-specific part of the model: how wide the readout output
// is, which activation closes the readout, and how the averaged output is
// normalized.
type Task interface {
	Kind() TaskKind

	// OutputSize is the readout output width.
	OutputSize() int

	// OutputActivation is appended after the final readout layer when ok.
	OutputActivation() (kind nn.ActivationKind, ok bool)

	// Normalize maps the averaged readout output to predictions.
	Normalize(out *mat.Dense, mode nn.Mode) *mat.Dense
}

// rawScoreLosses operate on logits, so normalization is skipped in training.
var rawScoreLosses = map[string]bool{
	"binary_cross_entropy": true,
	"cross_entropy":        true,
}

// NewTask resolves the task strategy described by cfg.
func NewTask(cfg *ModelConfig) (Task, error) {
	raw := rawScoreLosses[cfg.LossFunction]
	switch cfg.Task {
	case TaskRegression:
		return regressionTask{numTasks: cfg.NumTasks}, nil
	case TaskClassification:
		return classificationTask{numTasks: cfg.NumTasks, rawInTraining: raw}, nil
	case TaskMulticlass:
		return multiclassTask{numTasks: cfg.NumTasks, numClasses: cfg.MulticlassNumClasses, rawInTraining: raw}, nil
	case TaskSpectra:
		act := cfg.SpectraActivation
		if act == "" {
			act = nn.Exp
		}
		return spectraTask{numTasks: cfg.NumTasks, activation: act}, nil
	default:
		return nil, errors.New(errors.ErrCodeUnsupportedTask, "unsupported task type").WithDetail(string(cfg.Task))
	}
}

type regressionTask struct{ numTasks int }

func (regressionTask) Kind() TaskKind                              { return TaskRegression }
func (t regressionTask) OutputSize() int                           { return t.numTasks }
func (regressionTask) OutputActivation() (nn.ActivationKind, bool) { return "", false }
func (regressionTask) Normalize(out *mat.Dense, _ nn.Mode) *mat.Dense {
	return out
}

type classificationTask struct {
	numTasks      int
	rawInTraining bool
}

func (classificationTask) Kind() TaskKind                              { return TaskClassification }
func (t classificationTask) OutputSize() int                           { return t.numTasks }
func (classificationTask) OutputActivation() (nn.ActivationKind, bool) { return "", false }

func (t classificationTask) Normalize(out *mat.Dense, mode nn.Mode) *mat.Dense {
	if mode == nn.ModeTrain && t.rawInTraining {
		return out
	}
	return nn.ApplyActivation(nn.Sigmoid, out)
}

// multiclassTask lays out its output as NumTasks consecutive groups of
// numClasses columns; each group is a probability distribution.
type multiclassTask struct {
	numTasks      int
	numClasses    int
	rawInTraining bool
}

func (multiclassTask) Kind() TaskKind                              { return TaskMulticlass }
func (t multiclassTask) OutputSize() int                           { return t.numTasks * t.numClasses }
func (multiclassTask) OutputActivation() (nn.ActivationKind, bool) { return "", false }

func (t multiclassTask) Normalize(out *mat.Dense, mode nn.Mode) *mat.Dense {
	if mode == nn.ModeTrain && t.rawInTraining {
		return out
	}
	return nn.SoftmaxGroups(out, t.numClasses)
}

type spectraTask struct {
	numTasks   int
	activation nn.ActivationKind
}

func (spectraTask) Kind() TaskKind    { return TaskSpectra }
func (t spectraTask) OutputSize() int { return t.numTasks }
func (t spectraTask) OutputActivation() (nn.ActivationKind, bool) {
	return t.activation, true
}
func (spectraTask) Normalize(out *mat.Dense, _ nn.Mode) *mat.Dense {
	return out
}
