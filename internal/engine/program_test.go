package engine

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/nnadapter/internal/cache"
	"github.com/born-ml/nnadapter/internal/ddk"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/parallel"
	"github.com/born-ml/nnadapter/internal/status"
)

// fakeExecutor counts backend calls, records the staged input bytes and can
// overwrite every output byte with produce.
type fakeExecutor struct {
	Executor
	setInputs, runs, getOutputs int
	staged                      [][]byte
	produce                     byte
}

func (f *fakeExecutor) SetInputs(inputs []ddk.InputInfo) error {
	f.setInputs++
	for _, in := range inputs {
		f.staged = append(f.staged, slices.Clone(in.Buf))
	}
	return f.Executor.SetInputs(inputs)
}

func (f *fakeExecutor) Run() error {
	f.runs++
	return f.Executor.Run()
}

func (f *fakeExecutor) GetOutputs(outputs []ddk.OutputInfo) error {
	f.getOutputs++
	if err := f.Executor.GetOutputs(outputs); err != nil {
		return err
	}
	if f.produce != 0 {
		for _, out := range outputs {
			for i := range out.Buf {
				out.Buf[i] = f.produce
			}
		}
	}
	return nil
}

func (f *fakeExecutor) calls() int { return f.setInputs + f.runs + f.getOutputs }

func withFake(ctx *Context) *fakeExecutor {
	fake := &fakeExecutor{}
	ctx.newExecutor = func(g *ddk.Graph) (Executor, error) {
		e, err := ddk.NewExecution(g)
		if err != nil {
			return nil, err
		}
		fake.Executor = e
		return fake, nil
	}
	return fake
}

func newContext(t *testing.T, opts Options) *Context {
	t.Helper()
	return NewContextWithOptions(OpenDevice(), opts)
}

func f32(dims ...int32) operand.Type {
	return operand.NewType(operand.Float32, dims...)
}

func ids(v ...model.OperandID) []model.OperandID { return v }

// fcModel is input[1,3] -> fully_connected -> relu -> output[1,2].
func fcModel() *model.Model {
	m := model.New()
	in := m.AddInput(f32(1, 3))
	w := m.AddConstant(f32(2, 3), operand.EncodeFloat32([]float32{1, 2, 3, 4, 5, 6}))
	b := m.AddConstant(f32(2), operand.EncodeFloat32([]float32{0, 1}))
	mid := m.AddOperand(f32(1, 2), model.TemporaryVariable)
	out := m.AddOperand(f32(1, 2), model.TemporaryVariable)
	m.AddOperation(model.OpFullyConnected, ids(in, w, b), ids(mid), nil)
	m.AddOperation(model.OpRelu, ids(mid), ids(out), nil)
	m.MarkOutput(out)
	return m
}

func asymm(zeroPoint int32, dims ...int32) operand.Type {
	t := operand.NewType(operand.QuantUInt8AsymmPerLayer, dims...)
	t.AsymmPerLayer = operand.AsymmPerLayerParams{Scale: 0.1, ZeroPoint: zeroPoint}
	return t
}

// quantModel is a uint8 asymmetric relu with zero point 10.
func quantModel() *model.Model {
	m := model.New()
	in := m.AddInput(asymm(10, 1, 2))
	out := m.AddOperand(asymm(10, 1, 2), model.TemporaryVariable)
	m.AddOperation(model.OpRelu, ids(in), ids(out), nil)
	m.MarkOutput(out)
	return m
}

// arg binds buf; non-nil dims are reported as the runtime dimensions.
func arg(index int, buf []byte, dims ...int32) Argument {
	return Argument{
		Index:  index,
		Memory: buf,
		Access: func(memory any, t *operand.Type) ([]byte, error) {
			if dims != nil {
				t.Dimensions = dims
			}
			return memory.([]byte), nil
		},
	}
}

func TestColdThenWarmBuild(t *testing.T) {
	rec := &cache.Record{Token: "fc", Dir: t.TempDir()}

	cold := newContext(t, DefaultOptions()).NewProgram()
	require.NoError(t, cold.Build(fcModel(), rec))
	require.NotEmpty(t, rec.Buffer)
	require.Len(t, rec.InputTypes, 1)
	require.Len(t, rec.OutputTypes, 1)

	warm := newContext(t, DefaultOptions()).NewProgram()
	require.NoError(t, warm.Build(nil, rec))
	assert.Len(t, warm.Graph().Nodes(), len(cold.Graph().Nodes()))
	assert.Len(t, warm.Graph().Inputs(), len(cold.Graph().Inputs()))
	assert.Len(t, warm.Graph().Outputs(), len(cold.Graph().Outputs()))
	assert.True(t, warm.InputTypes()[0].Equal(cold.InputTypes()[0]))

	input := operand.EncodeFloat32([]float32{1, 2, 3})
	coldOut := make([]byte, 8)
	warmOut := make([]byte, 8)
	require.NoError(t, cold.Execute([]Argument{arg(0, input)}, []Argument{arg(0, coldOut)}))
	require.NoError(t, warm.Execute([]Argument{arg(0, input)}, []Argument{arg(0, warmOut)}))
	assert.Equal(t, coldOut, warmOut)
}

func TestWarmBuildRejectsGarbage(t *testing.T) {
	rec := &cache.Record{
		Buffer:      []byte("definitely not a graph"),
		InputTypes:  []operand.Type{f32(1, 3)},
		OutputTypes: []operand.Type{f32(1, 2)},
	}
	p := newContext(t, DefaultOptions()).NewProgram()
	err := p.Build(nil, rec)
	require.Error(t, err)
	assert.Equal(t, status.DeviceInternalError, status.Of(err))
	assert.Nil(t, p.Graph())
}

func TestExecuteTranscodesQuantizedBoundary(t *testing.T) {
	ctx := newContext(t, DefaultOptions())
	fake := withFake(ctx)
	p := ctx.NewProgram()
	require.NoError(t, p.Build(quantModel(), nil))

	fake.produce = 50
	input := []byte{130, 10}
	output := make([]byte, 2)
	require.NoError(t, p.Execute([]Argument{arg(0, input)}, []Argument{arg(0, output)}))

	require.Len(t, fake.staged, 1)
	assert.Equal(t, []byte{120, 0}, fake.staged[0])
	assert.Equal(t, []byte{60, 60}, output)
	assert.Equal(t, []byte{130, 10}, input, "caller input must not be modified")
}

func TestExecuteLoopbackRoundTrip(t *testing.T) {
	p := newContext(t, DefaultOptions()).NewProgram()
	require.NoError(t, p.Build(quantModel(), nil))

	output := make([]byte, 2)
	require.NoError(t, p.Execute([]Argument{arg(0, []byte{130, 3})}, []Argument{arg(0, output)}))
	// 3 is -7 on the device and maps back to 3.
	assert.Equal(t, []byte{130, 3}, output)
}

func TestExecuteDimensionMismatch(t *testing.T) {
	ctx := newContext(t, DefaultOptions())
	fake := withFake(ctx)
	p := ctx.NewProgram()
	require.NoError(t, p.Build(quantModel(), nil))

	input := []byte{130, 10, 0}
	err := p.Execute([]Argument{arg(0, input, 1, 3)}, []Argument{arg(0, make([]byte, 2))})
	require.ErrorIs(t, err, status.ErrInvalidDimensions)
	assert.Equal(t, status.InvalidDimensions, status.Of(err))
	assert.Zero(t, fake.calls())
	assert.Equal(t, []byte{130, 10, 0}, input)
}

func TestExecuteArgumentChecks(t *testing.T) {
	p := newContext(t, DefaultOptions()).NewProgram()
	out := []Argument{arg(0, make([]byte, 2))}
	assert.ErrorIs(t, p.Execute(nil, out), status.ErrInvalidParameter, "unbuilt")

	require.NoError(t, p.Build(quantModel(), nil))
	tests := []struct {
		name    string
		inputs  []Argument
		outputs []Argument
	}{
		{"missing input", nil, out},
		{"bad index", []Argument{arg(3, []byte{1, 2})}, out},
		{"short buffer", []Argument{arg(0, []byte{1})}, out},
		{"no accessor", []Argument{{Index: 0}}, out},
		{"short output", []Argument{arg(0, []byte{1, 2})}, []Argument{arg(0, make([]byte, 1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, p.Execute(tt.inputs, tt.outputs), status.ErrInvalidParameter)
		})
	}
}

func TestDumpGraphConsumedOnce(t *testing.T) {
	dir := t.TempDir()
	rec := &cache.Record{Token: "relu", Dir: dir}
	opts := DefaultOptions()
	opts.EnableCache = false

	p := newContext(t, opts).NewProgram()
	require.NoError(t, p.Build(quantModel(), rec))
	assert.Empty(t, rec.Buffer)
	dump := filepath.Join(dir, "relu"+DumpSuffix)
	_, err := os.Stat(dump)
	require.True(t, os.IsNotExist(err), "nothing is dumped before the first run")

	run := func() {
		require.NoError(t, p.Execute([]Argument{arg(0, []byte{1, 2})}, []Argument{arg(0, make([]byte, 2))}))
	}
	run()
	require.NotEmpty(t, rec.Buffer)
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Equal(t, data, rec.Buffer)

	require.NoError(t, os.Remove(dump))
	rec.Buffer = nil
	run()
	assert.Empty(t, rec.Buffer)
	_, err = os.Stat(dump)
	assert.True(t, os.IsNotExist(err))

	warm := newContext(t, opts).NewProgram()
	rec.Buffer = data
	require.NoError(t, warm.Build(nil, rec))
}

func TestDumpGraphCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "dir")
	rec := &cache.Record{Token: "relu", Dir: dir}
	opts := DefaultOptions()
	opts.EnableCache = false

	p := newContext(t, opts).NewProgram()
	require.NoError(t, p.Build(quantModel(), rec))
	require.NoError(t, p.Execute([]Argument{arg(0, []byte{1, 2})}, []Argument{arg(0, make([]byte, 2))}))
	assert.NotEmpty(t, rec.Buffer)
	_, err := os.Stat(filepath.Join(dir, "relu"+DumpSuffix))
	assert.NoError(t, err)
}

func TestDumpGraphFailureKeepsExecute(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	rec := &cache.Record{Token: "relu", Dir: filepath.Join(file, "dir")}
	opts := DefaultOptions()
	opts.EnableCache = false

	p := newContext(t, opts).NewProgram()
	require.NoError(t, p.Build(quantModel(), rec))
	out := make([]byte, 2)
	require.NoError(t, p.Execute([]Argument{arg(0, []byte{1, 2})}, []Argument{arg(0, out)}))
	assert.Equal(t, []byte{1, 2}, out)
	assert.Empty(t, rec.Buffer)
}

func TestBuildWithoutCacheSupport(t *testing.T) {
	rec := &cache.Record{Token: "fc", Dir: t.TempDir()}
	p := newContext(t, Options{}).NewProgram()
	require.NoError(t, p.Build(fcModel(), rec))
	assert.Empty(t, rec.Buffer)
	assert.Len(t, rec.InputTypes, 1)
}

func TestRebuildClearsState(t *testing.T) {
	p := newContext(t, DefaultOptions()).NewProgram()
	require.NoError(t, p.Build(fcModel(), nil))
	require.NoError(t, p.Build(quantModel(), nil))
	assert.Equal(t, operand.QuantUInt8AsymmPerLayer, p.InputTypes()[0].Precision)
	assert.Len(t, p.Graph().Nodes(), 1)
}

func TestBuildUnsupportedOperation(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 4))
	out := m.AddOperand(f32(1, 4), model.TemporaryVariable)
	m.AddOperation("hard_swish", ids(in), ids(out), nil)
	m.MarkOutput(out)

	p := newContext(t, DefaultOptions()).NewProgram()
	err := p.Build(m, nil)
	assert.Equal(t, status.FeatureNotSupported, status.Of(err))
	assert.Equal(t, []bool{false}, p.Validate(m))
}

func TestExecuteTranscodesInChunks(t *testing.T) {
	ctx := newContext(t, DefaultOptions())
	ctx.parallel = parallel.Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1}
	fake := withFake(ctx)
	p := ctx.NewProgram()
	require.NoError(t, p.Build(quantModel(), nil))

	output := make([]byte, 2)
	require.NoError(t, p.Execute([]Argument{arg(0, []byte{0, 255})}, []Argument{arg(0, output)}))
	assert.Equal(t, []byte{0xf6, 0x7f}, fake.staged[0], "255-10 saturates at 127")
	assert.Equal(t, []byte{0, 137}, output)
}
