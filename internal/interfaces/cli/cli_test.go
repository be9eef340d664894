package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mixprop/internal/config"
	"github.com/turtacn/mixprop/internal/infrastructure/database/postgres"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	"github.com/turtacn/mixprop/internal/intelligence/molgraph"
	"github.com/turtacn/mixprop/internal/worker"
	"github.com/turtacn/mixprop/pkg/errors"
)

const testModelYAML = `
log:
  level: error
  format: console
model:
  model_id: cli-test
  model_version: 0.1.0
  task: regression
  num_tasks: 1
  atom_feature_size: 2
  bond_feature_size: 1
  hidden_size: 4
  depth: 2
  aggregation: mean
  num_molecules: 2
  shared_encoder: true
  ffn_num_layers: 2
  ffn_hidden_size: 3
  activation: ReLU
  seed: 11
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := testModelYAML + "checkpoint:\n  backend: file\n  dir: " + filepath.Join(dir, "ckpt") + "\n" + extra
	path := filepath.Join(dir, "mixprop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func diatomic() *molgraph.MolGraph {
	return &molgraph.MolGraph{
		AtomFeatures: [][]float64{{1, 0}, {0, 1}},
		BondFeatures: [][]float64{{1}},
		Bonds:        [][2]int{{0, 1}},
	}
}

func singleAtom() *molgraph.MolGraph {
	return &molgraph.MolGraph{AtomFeatures: [][]float64{{1, 1}}}
}

func requestJSON(t *testing.T, rows ...*mixprop.RowInput) string {
	t.Helper()
	b, err := json.Marshal(mixprop.PredictRequest{Rows: rows})
	require.NoError(t, err)
	return string(b)
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"init", "inspect", "list", "predict", "fingerprint", "worker", "serve", "migrate", "version"} {
		assert.True(t, names[want], want)
	}
	for _, flag := range []string{"config", "log-level", "output", "verbose", "timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestInitListInspectPredict(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := run(t, "", "--config", cfgPath, "init", "--id", "base")
	require.NoError(t, err)
	var initRes InitResult
	require.NoError(t, json.Unmarshal([]byte(out), &initRes))
	assert.Equal(t, "base", initRes.CheckpointID)
	assert.Equal(t, "cli-test", initRes.ModelID)
	assert.Equal(t, initRes.Parameters, initRes.Trainable)
	assert.Positive(t, initRes.Parameters)

	out, err = run(t, "", "--config", cfgPath, "list")
	require.NoError(t, err)
	var list ListResult
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, []string{"base"}, list.Checkpoints)

	out, err = run(t, "", "--config", cfgPath, "inspect", "base")
	require.NoError(t, err)
	var ins InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &ins))
	assert.Equal(t, initRes.Parameters, ins.Parameters)
	assert.Contains(t, ins.Summary, "task: regression")
	assert.Empty(t, ins.Frozen)

	fwd := &mixprop.RowInput{Molecules: []*molgraph.MolGraph{diatomic(), singleAtom()}, Features: []float64{0.3, 300}}
	swp := &mixprop.RowInput{Molecules: []*molgraph.MolGraph{singleAtom(), diatomic()}, Features: []float64{0.7, 300}}
	out, err = run(t, requestJSON(t, fwd, swp), "--config", cfgPath, "predict", "--model", "base")
	require.NoError(t, err)
	var resp mixprop.PredictResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Predictions, 2)
	assert.InDelta(t, resp.Predictions[0][0], resp.Predictions[1][0], 1e-9)
	assert.False(t, resp.Cached)

	out, err = run(t, requestJSON(t, fwd), "--config", cfgPath, "fingerprint", "--model", "base", "--type", "last_FFN")
	require.NoError(t, err)
	var fp mixprop.FingerprintResponse
	require.NoError(t, json.Unmarshal([]byte(out), &fp))
	assert.Equal(t, mixprop.FingerprintLastFFN, fp.Type)
	require.Len(t, fp.Fingerprints, 1)
	assert.Len(t, fp.Fingerprints[0], 2*3)
}

func TestInit_TransferWithFreeze(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "pre")
	require.NoError(t, err)

	frozenPath := filepath.Join(filepath.Dir(cfgPath), "frozen.yaml")
	body, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	body = append(body, []byte("  active_id: pre\n")...)
	body = bytes.Replace(body, []byte("  seed: 11\n"), []byte("  seed: 12\n  freeze:\n    enabled: true\n    ffn_layers: 1\n"), 1)
	require.NoError(t, os.WriteFile(frozenPath, body, 0o600))

	out, err := run(t, "", "--config", frozenPath, "init", "--id", "tuned", "--from", "pre")
	require.NoError(t, err)
	var res InitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.Transferred)
	assert.Less(t, res.Trainable, res.Parameters)

	out, err = run(t, "", "--config", frozenPath, "inspect")
	require.NoError(t, err)
	var ins InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &ins))
	assert.Equal(t, "pre", ins.CheckpointID)
}

func TestList_TableOutput(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "a")
	require.NoError(t, err)
	_, err = run(t, "", "--config", cfgPath, "init", "--id", "b")
	require.NoError(t, err)

	out, err := run(t, "", "--config", cfgPath, "-o", "table", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "CHECKPOINT"))
	assert.True(t, strings.HasPrefix(lines[2], "a"))
}

func TestPredict_Errors(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := run(t, `{"rows": []}`, "--config", cfgPath, "predict")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation), "no model selected: %v", err)

	_, err = run(t, `{"rows": []}`, "--config", cfgPath, "predict", "--model", "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeCheckpointNotFound), "%v", err)

	_, err = run(t, `not json`, "--config", cfgPath, "predict", "--model", "x")
	assert.True(t, errors.IsCode(err, errors.ErrCodeSerialization), "%v", err)

	_, err = run(t, "", "--config", cfgPath, "predict", "--input", filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, errors.IsNotFound(err), "%v", err)
}

func TestPredict_BatchSizeSplitsRows(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "base")
	require.NoError(t, err)

	rows := []*mixprop.RowInput{
		{Molecules: []*molgraph.MolGraph{diatomic(), singleAtom()}, Features: []float64{0.3, 300}},
		{Molecules: []*molgraph.MolGraph{singleAtom(), diatomic()}, Features: []float64{0.7, 300}},
		{Molecules: []*molgraph.MolGraph{diatomic(), diatomic()}, Features: []float64{0.5, 310}},
	}
	req := requestJSON(t, rows...)

	out, err := run(t, req, "--config", cfgPath, "predict", "-m", "base")
	require.NoError(t, err)
	var whole mixprop.PredictResponse
	require.NoError(t, json.Unmarshal([]byte(out), &whole))

	out, err = run(t, req, "--config", cfgPath, "predict", "-m", "base", "--batch-size", "1")
	require.NoError(t, err)
	var split mixprop.PredictResponse
	require.NoError(t, json.Unmarshal([]byte(out), &split))
	require.Len(t, split.Predictions, 3)
	for i := range whole.Predictions {
		assert.InDeltaSlice(t, whole.Predictions[i], split.Predictions[i], 1e-12)
	}
	assert.Equal(t, whole.ModelID, split.ModelID)
	assert.Equal(t, "base", split.CheckpointID)

	_, err = run(t, req, "--config", cfgPath, "predict", "-m", "base", "--batch-size", "0")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation), "%v", err)
}

func TestPredict_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := writeConfig(t, "cache:\n  enabled: true\n  ttl: 1m\n  redis:\n    addr: "+mr.Addr()+"\n")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "base")
	require.NoError(t, err)

	req := requestJSON(t, &mixprop.RowInput{Molecules: []*molgraph.MolGraph{diatomic(), diatomic()}, Features: []float64{0.5, 310}})

	out, err := run(t, req, "--config", cfgPath, "predict", "-m", "base")
	require.NoError(t, err)
	var first mixprop.PredictResponse
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.False(t, first.Cached)
	assert.NotEmpty(t, mr.Keys())

	out, err = run(t, req, "--config", cfgPath, "predict", "-m", "base")
	require.NoError(t, err)
	var second mixprop.PredictResponse
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.Predictions, second.Predictions)
}

func TestWorker_RequiresBrokers(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "", "--config", cfgPath, "worker")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidModelConfig), "%v", err)
}

func TestOpsHandler(t *testing.T) {
	h := newOpsHandler(nil, "base")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"checkpoint_id":"base"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := writeConfig(t, "cache:\n  enabled: true\n  ttl: 1m\n  redis:\n    addr: "+mr.Addr()+"\n")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "base")
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	ctx := context.Background()
	rt, err := newRuntime(ctx, &CLIContext{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer rt.Close()
	serving, _, err := rt.serving(ctx, "base")
	require.NoError(t, err)
	h := newServeHandler(rt, serving, nil, nil)

	req := requestJSON(t, &mixprop.RowInput{Molecules: []*molgraph.MolGraph{diatomic(), singleAtom()}, Features: []float64{0.4, 298}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/predict", strings.NewReader(req)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp mixprop.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "base", resp.CheckpointID)
	require.Len(t, resp.Predictions, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"model"`)
	assert.Contains(t, rec.Body.String(), `"redis"`)

	mr.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadJSONInput(t *testing.T) {
	var req mixprop.PredictRequest
	err := readJSONInput(strings.NewReader(""), "", &req)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))

	require.NoError(t, readJSONInput(strings.NewReader(`{"rows":[{"features":[0.1,290]}]}`), "-", &req))
	require.Len(t, req.Rows, 1)
	assert.Equal(t, []float64{0.1, 290}, req.Rows[0].Features)
}

func TestFormatTable(t *testing.T) {
	out := FormatTable([]string{"ID", "VALUE"}, [][]string{{"a", "1"}, {"long-id", "22"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID       VALUE", lines[0])
	assert.Equal(t, "-------  -----", lines[1])
	assert.Equal(t, "long-id  22   ", lines[3])
	assert.Empty(t, FormatTable(nil, nil))
}

func TestInitConfig_FromEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MIXPROP_CHECKPOINT_DIR", t.TempDir())
	cfg, path, err := initConfig(&RootOptions{})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, config.BackendFile, cfg.Checkpoint.Backend)
}

type savedJobs struct {
	recs []*postgres.JobRecord
}

func (s *savedJobs) Save(_ context.Context, rec *postgres.JobRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestJobRecorder(t *testing.T) {
	store := &savedJobs{}
	r := jobRecorder{jobs: store}
	res := &worker.PredictionResult{
		JobID:       "j1",
		Status:      worker.StatusSucceeded,
		ModelID:     "cli-test",
		Predictions: [][]float64{{1.25}},
		DurationMs:  3,
	}
	require.NoError(t, r.RecordResult(context.Background(), worker.KindPredict, res))

	require.Len(t, store.recs, 1)
	rec := store.recs[0]
	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, postgres.JobKindPredict, rec.Kind)
	assert.Equal(t, worker.StatusSucceeded, rec.Status)
	assert.Equal(t, int64(3), rec.DurationMs)

	var decoded worker.PredictionResult
	require.NoError(t, json.Unmarshal(rec.Result, &decoded))
	assert.Equal(t, [][]float64{{1.25}}, decoded.Predictions)
}

func TestOpenJobs_Disabled(t *testing.T) {
	cfgPath := writeConfig(t, "")
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	rt, err := newRuntime(context.Background(), &CLIContext{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.openJobs(context.Background()))
	assert.Nil(t, rt.jobs)
	assert.Empty(t, rt.checks)
}

func TestOpenAuth(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	rt, err := newRuntime(context.Background(), &CLIContext{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.openAuth(context.Background()))
	assert.Nil(t, rt.admin)

	cfg, err = config.Load(writeConfig(t, "auth:\n  enabled: true\n  base_url: http://127.0.0.1:1\n  realm: chem\n  client_id: mixprop\n"))
	require.NoError(t, err)
	assert.Equal(t, "mixprop-admin", cfg.Auth.AdminRole)
	rt.cfg = cfg
	err = rt.openAuth(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExternalService))
	assert.Nil(t, rt.admin)
}

func TestOpenJobs_Unreachable(t *testing.T) {
	cfgPath := writeConfig(t, "postgres:\n  enabled: true\n  host: 127.0.0.1\n  port: 1\n")
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	rt, err := newRuntime(context.Background(), &CLIContext{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer rt.Close()

	err = rt.openJobs(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeDatabaseError), "%v", err)
}

func TestNewGRPCServer(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := run(t, "", "--config", cfgPath, "init", "--id", "base")
	require.NoError(t, err)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := newRuntime(ctx, &CLIContext{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer rt.Close()
	serving, _, err := rt.serving(ctx, "base")
	require.NoError(t, err)

	gcfg := cfg.GRPC
	gcfg.Addr = "127.0.0.1:0"
	gs, err := newGRPCServer(rt, serving, gcfg)
	require.NoError(t, err)
	assert.NotEmpty(t, gs.Addr())
	assert.NoError(t, gs.Stop(ctx))
}
