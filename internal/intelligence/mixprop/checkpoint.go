package mixprop

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// CheckpointFormatVersion is bumped whenever the serialized layout changes.
const CheckpointFormatVersion = 1

// ParameterState is the serialized form of one parameter.
type ParameterState struct {
	Name   string    `json:"name"`
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Frozen bool      `json:"frozen,omitempty"`
	Data   []float64 `json:"data"`
}

// Checkpoint stores a model configuration together with its parameters.
type Checkpoint struct {
	ID            string           `json:"id"`
	FormatVersion int              `json:"format_version"`
	CreatedAt     time.Time        `json:"created_at"`
	Config        ModelConfig      `json:"config"`
	Parameters    []ParameterState `json:"parameters"`
}

// NewCheckpoint snapshots m under a fresh id.
func NewCheckpoint(m *Model) *Checkpoint {
	ps := m.Parameters()
	states := make([]ParameterState, len(ps))
	for i, p := range ps {
		r, c := p.Shape()
		data := make([]float64, 0, r*c)
		for row := 0; row < r; row++ {
			data = append(data, p.Value.RawRowView(row)...)
		}
		states[i] = ParameterState{Name: p.Name, Rows: r, Cols: c, Frozen: p.Frozen, Data: data}
	}
	return &Checkpoint{
		ID:            uuid.New().String(),
		FormatVersion: CheckpointFormatVersion,
		CreatedAt:     time.Now().UTC(),
		Config:        m.Config(),
		Parameters:    states,
	}
}

// Restore rebuilds the model described by the checkpoint. Every parameter
// of the architecture must be present with its exact shape, and the
// checkpoint must not carry parameters the architecture lacks.
func (c *Checkpoint) Restore(opts ...ModelOption) (*Model, error) {
	if c.FormatVersion != CheckpointFormatVersion {
		return nil, errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
			WithDetailf("format version %d, want %d", c.FormatVersion, CheckpointFormatVersion)
	}
	cfg := c.Config
	m, err := NewModel(&cfg, opts...)
	if err != nil {
		return nil, err
	}

	states, err := c.index()
	if err != nil {
		return nil, err
	}
	params := m.Parameters()
	if len(params) != len(states) {
		return nil, errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
			WithDetailf("architecture has %d parameters, checkpoint %d (extra: %v)",
				len(params), len(states), extraNames(states, params))
	}
	for _, p := range params {
		st, ok := states[p.Name]
		if !ok {
			return nil, errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
				WithDetailf("missing parameter %s", p.Name)
		}
		if err := assign(p, st); err != nil {
			return nil, err
		}
		p.Frozen = st.Frozen
	}
	return m, nil
}

// RestoreForTransfer builds a model from cfg and copies every parameter of
// the pretrained checkpoint whose name and shape match. Freeze directives in
// cfg are applied afterwards. It returns the names of the loaded parameters.
func RestoreForTransfer(pretrained *Checkpoint, cfg *ModelConfig, opts ...ModelOption) (*Model, []string, error) {
	m, err := NewModel(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	states, err := pretrained.index()
	if err != nil {
		return nil, nil, err
	}
	var loaded []string
	for _, p := range m.Parameters() {
		st, ok := states[p.Name]
		if !ok {
			continue
		}
		if r, c := p.Shape(); r != st.Rows || c != st.Cols {
			m.logger.Warn("skipping pretrained parameter with different shape",
				logging.String("param", p.Name), logging.Ints("shape", []int{st.Rows, st.Cols}))
			continue
		}
		frozen := p.Frozen
		if err := assign(p, st); err != nil {
			return nil, nil, err
		}
		p.Frozen = frozen
		loaded = append(loaded, p.Name)
	}
	return m, loaded, nil
}

func (c *Checkpoint) index() (map[string]ParameterState, error) {
	out := make(map[string]ParameterState, len(c.Parameters))
	for _, st := range c.Parameters {
		if _, dup := out[st.Name]; dup {
			return nil, errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
				WithDetailf("duplicate parameter %s", st.Name)
		}
		if st.Rows <= 0 || st.Cols <= 0 || len(st.Data) != st.Rows*st.Cols {
			return nil, errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
				WithDetailf("parameter %s has %d values for shape %dx%d", st.Name, len(st.Data), st.Rows, st.Cols)
		}
		out[st.Name] = st
	}
	return out, nil
}

func assign(p *nn.Parameter, st ParameterState) error {
	r, c := p.Shape()
	if r != st.Rows || c != st.Cols {
		return errors.New(errors.ErrCodeCheckpointMismatch, "checkpoint does not match architecture").
			WithDetailf("parameter %s is %dx%d, checkpoint has %dx%d", p.Name, r, c, st.Rows, st.Cols)
	}
	data := make([]float64, len(st.Data))
	copy(data, st.Data)
	p.Value = mat.NewDense(r, c, data)
	return nil
}

func extraNames(states map[string]ParameterState, params []*nn.Parameter) []string {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
	}
	var extra []string
	for name := range states {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return extra
}

// EncodeCheckpoint writes c as JSON.
func EncodeCheckpoint(w io.Writer, c *Checkpoint) error {
	if err := json.NewEncoder(w).Encode(c); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode checkpoint")
	}
	return nil
}

// DecodeCheckpoint reads a JSON checkpoint.
func DecodeCheckpoint(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode checkpoint")
	}
	return &c, nil
}
