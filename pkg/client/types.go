package client

import (
	"encoding/json"
	"time"
)

// Molecule is a featurized molecular graph. Bonds[i] joins the two atoms
// whose features BondFeatures[i] describes.
type Molecule struct {
	AtomFeatures [][]float64 `json:"atom_features"`
	BondFeatures [][]float64 `json:"bond_features"`
	Bonds        [][2]int    `json:"bonds"`
}

// Row is one binary mixture: a molecule per slot and the row features,
// mole fraction of the first component followed by temperature.
type Row struct {
	Molecules         []*Molecule   `json:"molecules,omitempty"`
	Features          []float64     `json:"features"`
	AtomDescriptors   [][][]float64 `json:"atom_descriptors,omitempty"`
	ExtraBondFeatures [][][]float64 `json:"extra_bond_features,omitempty"`
}

type PredictRequest struct {
	Rows []*Row `json:"rows"`
}

type PredictResponse struct {
	ModelID      string      `json:"model_id"`
	ModelVersion string      `json:"model_version"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	Task         string      `json:"task"`
	Predictions  [][]float64 `json:"predictions"`
	Cached       bool        `json:"cached"`
}

// Fingerprint types.
const (
	FingerprintMPN     = "MPN"
	FingerprintLastFFN = "last_FFN"
)

type FingerprintRequest struct {
	Rows []*Row `json:"rows"`
	Type string `json:"type"`
}

type FingerprintResponse struct {
	ModelID      string      `json:"model_id"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	Type         string      `json:"type"`
	Fingerprints [][]float64 `json:"fingerprints"`
}

// ModelList enumerates stored and loaded checkpoints.
type ModelList struct {
	Checkpoints []string `json:"checkpoints"`
	Loaded      []string `json:"loaded"`
	Active      string   `json:"active,omitempty"`
}

// ActiveModel describes the served model.
type ActiveModel struct {
	CheckpointID string   `json:"checkpoint_id"`
	ModelID      string   `json:"model_id"`
	ModelVersion string   `json:"model_version"`
	Task         string   `json:"task"`
	Parameters   int      `json:"parameters"`
	Trainable    int      `json:"trainable"`
	Summary      []string `json:"summary"`
}

// Job is a recorded worker result. Result holds the published result
// payload.
type Job struct {
	JobID        string          `json:"job_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	ModelID      string          `json:"model_id,omitempty"`
	ModelVersion string          `json:"model_version,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// JobList is a page of jobs, newest first.
type JobList struct {
	Jobs []*Job `json:"jobs"`
}
