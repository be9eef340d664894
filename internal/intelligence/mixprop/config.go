package mixprop

import (
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// TaskKind selects the prediction task.
type TaskKind string

const (
	TaskRegression     TaskKind = "regression"
	TaskClassification TaskKind = "classification"
	TaskMulticlass     TaskKind = "multiclass"
	TaskSpectra        TaskKind = "spectra"
)

// AggregationType selects how atom hidden states are pooled into a molecule
// embedding.
type AggregationType string

const (
	AggregationMean AggregationType = "mean"
	AggregationSum  AggregationType = "sum"
	// AggregationNorm sums and divides by ModelConfig.AggregationNorm.
	AggregationNorm AggregationType = "norm"
)

// AtomDescriptorMode selects how per-atom descriptors enter the encoder.
type AtomDescriptorMode string

const (
	AtomDescriptorsNone AtomDescriptorMode = ""
	// AtomDescriptorsFeature appends descriptors to the raw atom features
	// before message passing.
	AtomDescriptorsFeature AtomDescriptorMode = "feature"
	// AtomDescriptorsDescriptor concatenates descriptors to the final atom
	// hidden states followed by an extra affine layer.
	AtomDescriptorsDescriptor AtomDescriptorMode = "descriptor"
)

// FingerprintType selects the latent representation returned by
// Model.Fingerprint.
type FingerprintType string

const (
	FingerprintMPN     FingerprintType = "MPN"
	FingerprintLastFFN FingerprintType = "last_FFN"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// FreezeConfig controls which parameters are frozen when fine-tuning from a
// pretrained checkpoint.
type FreezeConfig struct {
	// Enabled turns freezing on. Without it the remaining fields are ignored.
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// FirstEncoderOnly freezes only the encoder of molecule slot 0 instead
	// of every encoder.
	FirstEncoderOnly bool `json:"first_encoder_only" yaml:"first_encoder_only" mapstructure:"first_encoder_only"`

	// FFNLayers counts readout layers, output layer included; the weights
	// and biases of the first FFNLayers-1 affine layers are frozen.
	FFNLayers int `json:"ffn_layers" yaml:"ffn_layers" mapstructure:"ffn_layers"`
}

// ModelConfig is the immutable architecture description of a MixProp model.
type ModelConfig struct {
	ModelID      string `json:"model_id" yaml:"model_id" mapstructure:"model_id"`
	ModelVersion string `json:"model_version" yaml:"model_version" mapstructure:"model_version"`

	// Task
	Task                 TaskKind          `json:"task" yaml:"task" mapstructure:"task"`
	NumTasks             int               `json:"num_tasks" yaml:"num_tasks" mapstructure:"num_tasks"`
	MulticlassNumClasses int               `json:"multiclass_num_classes" yaml:"multiclass_num_classes" mapstructure:"multiclass_num_classes"`
	LossFunction         string            `json:"loss_function" yaml:"loss_function" mapstructure:"loss_function"`
	SpectraActivation    nn.ActivationKind `json:"spectra_activation" yaml:"spectra_activation" mapstructure:"spectra_activation"`

	// Encoder
	AtomFeatureSize      int                `json:"atom_feature_size" yaml:"atom_feature_size" mapstructure:"atom_feature_size"`
	BondFeatureSize      int                `json:"bond_feature_size" yaml:"bond_feature_size" mapstructure:"bond_feature_size"`
	HiddenSize           int                `json:"hidden_size" yaml:"hidden_size" mapstructure:"hidden_size"`
	Depth                int                `json:"depth" yaml:"depth" mapstructure:"depth"`
	MessageBias          bool               `json:"message_bias" yaml:"message_bias" mapstructure:"message_bias"`
	Undirected           bool               `json:"undirected" yaml:"undirected" mapstructure:"undirected"`
	Aggregation          AggregationType    `json:"aggregation" yaml:"aggregation" mapstructure:"aggregation"`
	AggregationNorm      float64            `json:"aggregation_norm" yaml:"aggregation_norm" mapstructure:"aggregation_norm"`
	NumMolecules         int                `json:"num_molecules" yaml:"num_molecules" mapstructure:"num_molecules"`
	SharedEncoder        bool               `json:"shared_encoder" yaml:"shared_encoder" mapstructure:"shared_encoder"`
	FeaturesOnly         bool               `json:"features_only" yaml:"features_only" mapstructure:"features_only"`
	FeaturesSize         int                `json:"features_size" yaml:"features_size" mapstructure:"features_size"`
	AtomDescriptors      AtomDescriptorMode `json:"atom_descriptors" yaml:"atom_descriptors" mapstructure:"atom_descriptors"`
	AtomDescriptorSize   int                `json:"atom_descriptor_size" yaml:"atom_descriptor_size" mapstructure:"atom_descriptor_size"`
	ExtraBondFeatureSize int                `json:"extra_bond_feature_size" yaml:"extra_bond_feature_size" mapstructure:"extra_bond_feature_size"`

	// Readout
	FFNNumLayers  int               `json:"ffn_num_layers" yaml:"ffn_num_layers" mapstructure:"ffn_num_layers"`
	FFNHiddenSize int               `json:"ffn_hidden_size" yaml:"ffn_hidden_size" mapstructure:"ffn_hidden_size"`
	Dropout       float64           `json:"dropout" yaml:"dropout" mapstructure:"dropout"`
	Activation    nn.ActivationKind `json:"activation" yaml:"activation" mapstructure:"activation"`

	Freeze FreezeConfig `json:"freeze" yaml:"freeze" mapstructure:"freeze"`

	// Seed drives parameter initialization and, unless overridden per call,
	// training-mode dropout.
	Seed int64 `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// DefaultModelConfig returns the configuration of a binary-mixture viscosity
// regressor.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		ModelID:              "mixprop-viscosity",
		ModelVersion:         "1.0.0",
		Task:                 TaskRegression,
		NumTasks:             1,
		MulticlassNumClasses: 3,
		LossFunction:         "mse",
		SpectraActivation:    nn.Exp,
		AtomFeatureSize:      133,
		BondFeatureSize:      14,
		HiddenSize:           300,
		Depth:                3,
		Aggregation:          AggregationMean,
		AggregationNorm:      100,
		NumMolecules:         2,
		FFNNumLayers:         2,
		FFNHiddenSize:        300,
		Activation:           nn.ReLU,
	}
}

// Validate checks the configuration for consistency. Activation names are
// matched case-insensitively and rewritten to their canonical kinds.
func (c *ModelConfig) Validate() error {
	if c.ModelID == "" {
		return errors.NewConfigError("model_id is required")
	}
	switch c.Task {
	case TaskRegression, TaskClassification, TaskMulticlass, TaskSpectra:
	default:
		return errors.New(errors.ErrCodeUnsupportedTask, "unsupported task type").WithDetail(string(c.Task))
	}
	if c.NumTasks <= 0 {
		return errors.NewConfigError("num_tasks must be positive")
	}
	if c.Task == TaskMulticlass && c.MulticlassNumClasses < 2 {
		return errors.NewConfigError("multiclass_num_classes must be at least 2")
	}
	if c.Task == TaskSpectra && c.SpectraActivation != "" {
		k, err := nn.ParseActivation(string(c.SpectraActivation))
		if err != nil || (k != nn.Exp && k != nn.Softplus) {
			return errors.NewConfigError("spectra_activation must be exp or softplus").WithDetail(string(c.SpectraActivation))
		}
		c.SpectraActivation = k
	}
	if c.NumMolecules < 2 {
		return errors.NewConfigError("num_molecules must be at least 2 for a binary mixture")
	}
	if c.FeaturesSize < 0 {
		return errors.NewConfigError("features_size must not be negative")
	}
	if c.FeaturesOnly {
		if c.FeaturesSize == 0 || c.FeaturesSize%2 != 0 {
			return errors.NewConfigError("features_only requires a positive, even features_size").
				WithDetailf("features_size=%d", c.FeaturesSize)
		}
	} else if err := c.validateEncoder(); err != nil {
		return err
	}
	if c.FFNNumLayers < 1 {
		return errors.NewConfigError("ffn_num_layers must be at least 1")
	}
	if c.FFNNumLayers > 1 && c.FFNHiddenSize <= 0 {
		return errors.NewConfigError("ffn_hidden_size must be positive")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.NewConfigError("dropout must be in [0, 1)")
	}
	act, err := nn.ParseActivation(string(c.Activation))
	if err != nil {
		return err
	}
	c.Activation = act
	if c.Freeze.FFNLayers < 0 {
		return errors.NewConfigError("freeze.ffn_layers must not be negative")
	}
	if c.Freeze.Enabled && c.Freeze.FFNLayers > c.FFNNumLayers {
		return errors.NewConfigError("cannot freeze more readout layers than exist").
			WithDetailf("requested=%d available=%d", c.Freeze.FFNLayers, c.FFNNumLayers)
	}
	return nil
}

func (c *ModelConfig) validateEncoder() error {
	if c.AtomFeatureSize <= 0 {
		return errors.NewConfigError("atom_feature_size must be positive")
	}
	if c.BondFeatureSize < 0 || c.ExtraBondFeatureSize < 0 {
		return errors.NewConfigError("bond feature sizes must not be negative")
	}
	if c.HiddenSize <= 0 {
		return errors.NewConfigError("hidden_size must be positive")
	}
	if c.Depth < 1 {
		return errors.NewConfigError("depth must be at least 1")
	}
	switch c.Aggregation {
	case AggregationMean, AggregationSum:
	case AggregationNorm:
		if c.AggregationNorm <= 0 {
			return errors.NewConfigError("aggregation_norm must be positive")
		}
	default:
		return errors.NewConfigError("unsupported aggregation").WithDetail(string(c.Aggregation))
	}
	switch c.AtomDescriptors {
	case AtomDescriptorsNone:
	case AtomDescriptorsFeature, AtomDescriptorsDescriptor:
		if c.AtomDescriptorSize <= 0 {
			return errors.NewConfigError("atom descriptors require atom_descriptor_size").
				WithDetail(string(c.AtomDescriptors))
		}
	default:
		return errors.NewConfigError("unsupported atom descriptor mode").WithDetail(string(c.AtomDescriptors))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived dimensions
// ---------------------------------------------------------------------------

// ComponentWidth is the width H of one molecule's embedding inside a
// combined row.
func (c *ModelConfig) ComponentWidth() int {
	if c.FeaturesOnly {
		return c.FeaturesSize / 2
	}
	if c.AtomDescriptors == AtomDescriptorsDescriptor {
		return c.HiddenSize + c.AtomDescriptorSize
	}
	return c.HiddenSize
}

// FeatureRowWidth is the width of one auxiliary features row: the global
// descriptors followed by mole fraction and temperature.
func (c *ModelConfig) FeatureRowWidth() int {
	return c.FeaturesSize + 2
}

// EncoderOutputWidth is the width W of a combined row.
func (c *ModelConfig) EncoderOutputWidth() int {
	if c.FeaturesOnly {
		return c.FeatureRowWidth()
	}
	return c.ComponentWidth()*c.NumMolecules + c.FeatureRowWidth()
}

// ReadoutInputWidth is 2H + extras + 1, which is W minus the mole fraction
// column.
func (c *ModelConfig) ReadoutInputWidth() int {
	return c.EncoderOutputWidth() - 1
}

// EncoderAtomFDim is the atom feature width seen by the encoder.
func (c *ModelConfig) EncoderAtomFDim() int {
	if c.AtomDescriptors == AtomDescriptorsFeature {
		return c.AtomFeatureSize + c.AtomDescriptorSize
	}
	return c.AtomFeatureSize
}

// EncoderBondFDim is the directed bond row width seen by the encoder.
func (c *ModelConfig) EncoderBondFDim() int {
	return c.EncoderAtomFDim() + c.BondFeatureSize + c.ExtraBondFeatureSize
}

// Clone returns a copy of c.
func (c *ModelConfig) Clone() *ModelConfig {
	cp := *c
	return &cp
}
