package engine

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/internal/cache"
	"github.com/born-ml/nnadapter/internal/converter"
	"github.com/born-ml/nnadapter/internal/ddk"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/parallel"
	"github.com/born-ml/nnadapter/internal/quant"
	"github.com/born-ml/nnadapter/internal/status"
)

// DumpSuffix is appended to the cache token to name the graph file a device
// writes on its first run.
const DumpSuffix = ".graph"

// AccessFunc returns the buffer behind memory. For inputs it reports the
// runtime dimensions in t; for outputs it may revise them before allocating.
type AccessFunc func(memory any, t *operand.Type) ([]byte, error)

// Argument binds caller memory to the input or output at Index.
type Argument struct {
	Index  int
	Memory any
	Access AccessFunc
}

// Program is a model compiled for the device. Execute calls are
// serialized.
type Program struct {
	ctx *Context

	mu          sync.Mutex
	graph       *ddk.Graph
	exec        Executor
	inputTypes  []operand.Type
	outputTypes []operand.Type
	record      *cache.Record
	dumpPath    string
	staging     [][]byte
}

// NewProgram returns an unbuilt program.
func (c *Context) NewProgram() *Program {
	return &Program{ctx: c}
}

// Clear drops every build artifact.
func (p *Program) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *Program) reset() {
	p.graph = nil
	p.exec = nil
	p.inputTypes = nil
	p.outputTypes = nil
	p.record = nil
	p.dumpPath = ""
	p.staging = nil
}

// Validate reports, per live operation of m, whether the device supports it.
func (p *Program) Validate(m *model.Model) []bool {
	return converter.NewValidator(p.ctx.registry, p.ctx.opts.ValidateWorkers).Apply(m)
}

// Build compiles m, or restores the program from rec when rec.Buffer is not
// empty. m is rewritten in place on a cold build. rec may be nil.
func (p *Program) Build(m *model.Model, rec *cache.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reset()
	if rec == nil {
		rec = &cache.Record{}
	}
	p.record = rec
	var err error
	if len(rec.Buffer) == 0 {
		err = p.buildFromModel(m, rec)
	} else {
		err = p.buildFromCache(rec)
	}
	if err != nil {
		p.reset()
		return err
	}
	klog.V(3).Infof("build success")
	return nil
}

func (p *Program) buildFromModel(m *model.Model, rec *cache.Record) error {
	if m == nil {
		return status.Errorf(status.ErrInvalidParameter, "nil model")
	}
	if _, err := p.ctx.pipeline.Run(m); err != nil {
		return err
	}

	p.graph = ddk.NewGraph(p.ctx.graphOptions())
	if p.graph == nil {
		return status.ErrOutOfMemory
	}
	conv := converter.New(p.graph, p.ctx.registry)
	if err := conv.Apply(m); err != nil {
		return err
	}

	klog.V(3).Infof("model input count: %d", len(m.InputOperands))
	klog.V(3).Infof("model output count: %d", len(m.OutputOperands))
	if len(m.OutputOperands) == 0 {
		return status.Errorf(status.ErrInvalidParameter, "model has no output")
	}
	inputs, err := conv.InputTensors()
	if err != nil {
		return err
	}
	outputs, err := conv.OutputTensors()
	if err != nil {
		return err
	}
	p.inputTypes = operandTypes(m, m.InputOperands)
	p.outputTypes = operandTypes(m, m.OutputOperands)
	if err := p.graph.SetInputsOutputs(inputs, outputs); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "%v", err)
	}

	if p.exec, err = p.ctx.newExecutor(p.graph); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "%v", err)
	}
	switch {
	case !rec.Enabled():
		err = p.exec.Build()
	case p.graph.EnableCache() == nil:
		var buf []byte
		if buf, err = p.exec.BuildWithCache(); err == nil {
			rec.Buffer = buf
			klog.V(3).Infof("serialized graph into a %d byte cache buffer", len(buf))
		}
	case p.exec.CanDumpGraph():
		if err = os.MkdirAll(rec.Dir, 0o755); err != nil {
			klog.Warningf("failed to create the cache dir %s, skip the graph dump: %v", rec.Dir, err)
			err = p.exec.Build()
			break
		}
		p.dumpPath = filepath.Join(rec.Dir, rec.Token+DumpSuffix)
		if err = p.exec.SetDumpPath(p.dumpPath); err == nil {
			klog.V(3).Infof("dump the graph to %s when the first run", p.dumpPath)
			err = p.exec.Build()
		}
	default:
		klog.Warningf("device doesn't support model-cache")
		err = p.exec.Build()
	}
	if err != nil {
		return status.Errorf(status.ErrDeviceInternal, "build: %v", err)
	}

	rec.InputTypes = cloneTypes(p.inputTypes)
	rec.OutputTypes = cloneTypes(p.outputTypes)
	return nil
}

func (p *Program) buildFromCache(rec *cache.Record) error {
	p.graph = ddk.NewGraph(p.ctx.graphOptions())
	if p.graph == nil {
		return status.ErrOutOfMemory
	}
	if err := p.graph.LoadCache(rec.Buffer); err != nil {
		klog.Errorf("failed to load cache graph from buffer: %v", err)
		return status.Errorf(status.ErrDeviceInternal, "%v", err)
	}
	klog.V(3).Infof("load cache graph from buffer success")

	klog.V(3).Infof("model input count: %d", len(rec.InputTypes))
	klog.V(3).Infof("model output count: %d", len(rec.OutputTypes))
	if len(rec.OutputTypes) == 0 {
		return status.Errorf(status.ErrInvalidParameter, "cache record has no output type")
	}
	inputs, err := p.boundaryTensors(rec.InputTypes, converter.InputTensorName)
	if err != nil {
		return err
	}
	outputs, err := p.boundaryTensors(rec.OutputTypes, converter.OutputTensorName)
	if err != nil {
		return err
	}
	p.inputTypes = cloneTypes(rec.InputTypes)
	p.outputTypes = cloneTypes(rec.OutputTypes)
	if err := p.graph.SetInputsOutputs(inputs, outputs); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "%v", err)
	}

	if p.exec, err = p.ctx.newExecutor(p.graph); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "%v", err)
	}
	if err := p.exec.Build(); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "build: %v", err)
	}
	return nil
}

// boundaryTensors recreates the tensors named by the converter from their
// recorded types. A restored graph already holding a tensor of that name
// must agree with the recorded type.
func (p *Program) boundaryTensors(types []operand.Type, name func(int) string) ([]*ddk.Tensor, error) {
	out := make([]*ddk.Tensor, len(types))
	for i, t := range types {
		attr, err := converter.TensorAttr(name(i), t)
		if err != nil {
			return nil, err
		}
		if out[i], err = p.graph.CreateTensor(attr, nil); err != nil {
			return nil, status.Errorf(status.ErrDeviceInternal, "%v", err)
		}
	}
	return out, nil
}

// InputTypes returns the declared input types.
func (p *Program) InputTypes() []operand.Type { return cloneTypes(p.inputTypes) }

// OutputTypes returns the declared output types.
func (p *Program) OutputTypes() []operand.Type { return cloneTypes(p.outputTypes) }

// Graph returns the device graph, nil before Build.
func (p *Program) Graph() *ddk.Graph { return p.graph }

type binding struct {
	typ operand.Type
	buf []byte
}

// checkInputs resolves every input argument and checks its runtime
// dimensions against the declared ones.
func (p *Program) checkInputs(args []Argument) ([]binding, error) {
	if len(args) != len(p.inputTypes) {
		return nil, status.Errorf(status.ErrInvalidParameter, "got %d inputs, want %d", len(args), len(p.inputTypes))
	}
	bound := make([]binding, len(args))
	seen := make([]bool, len(args))
	for _, arg := range args {
		if arg.Index < 0 || arg.Index >= len(args) || seen[arg.Index] {
			return nil, status.Errorf(status.ErrInvalidParameter, "input index %d", arg.Index)
		}
		if arg.Access == nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "input %d has no accessor", arg.Index)
		}
		seen[arg.Index] = true

		declared := p.inputTypes[arg.Index]
		actual := declared.Clone()
		buf, err := arg.Access(arg.Memory, &actual)
		if err != nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "input %d: %v", arg.Index, err)
		}
		if !operand.MatchDimensions(actual.Dimensions, declared.Dimensions) {
			return nil, status.Errorf(status.ErrInvalidDimensions, "input %d: got %v, want %v",
				arg.Index, actual.Dimensions, declared.Dimensions)
		}
		if n := declared.BufferLength(); int64(len(buf)) < n {
			return nil, status.Errorf(status.ErrInvalidParameter, "input %d: got %d bytes, want %d", arg.Index, len(buf), n)
		}
		bound[arg.Index] = binding{typ: declared, buf: buf[:declared.BufferLength()]}
	}
	return bound, nil
}

func (p *Program) resolveOutputs(args []Argument) ([]binding, error) {
	if len(args) != len(p.outputTypes) {
		return nil, status.Errorf(status.ErrInvalidParameter, "got %d outputs, want %d", len(args), len(p.outputTypes))
	}
	bound := make([]binding, len(args))
	seen := make([]bool, len(args))
	for _, arg := range args {
		if arg.Index < 0 || arg.Index >= len(args) || seen[arg.Index] {
			return nil, status.Errorf(status.ErrInvalidParameter, "output index %d", arg.Index)
		}
		if arg.Access == nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "output %d has no accessor", arg.Index)
		}
		seen[arg.Index] = true

		typ := p.outputTypes[arg.Index].Clone()
		buf, err := arg.Access(arg.Memory, &typ)
		if err != nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "output %d: %v", arg.Index, err)
		}
		n := p.outputTypes[arg.Index].BufferLength()
		if int64(len(buf)) < n {
			return nil, status.Errorf(status.ErrInvalidParameter, "output %d: got %d bytes, want %d", arg.Index, len(buf), n)
		}
		bound[arg.Index] = binding{typ: p.outputTypes[arg.Index], buf: buf[:n]}
	}
	return bound, nil
}

// Execute runs the program once. Asymmetric uint8 inputs are converted to
// signed values in a staging buffer, so caller memory is never modified;
// asymmetric uint8 outputs are converted back in place.
func (p *Program) Execute(inputs, outputs []Argument) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exec == nil {
		return status.Errorf(status.ErrInvalidParameter, "program is not built")
	}
	in, err := p.checkInputs(inputs)
	if err != nil {
		return err
	}
	out, err := p.resolveOutputs(outputs)
	if err != nil {
		return err
	}

	if len(p.staging) != len(in) {
		p.staging = make([][]byte, len(in))
	}
	inputInfo := make([]ddk.InputInfo, len(in))
	for i, b := range in {
		info, err := deviceInfo(b.typ)
		if err != nil {
			return err
		}
		buf := b.buf
		if b.typ.Precision.IsUInt8AsymmPerLayerQuant() {
			p.staging[i] = slices.Grow(p.staging[i][:0], len(buf))[:len(buf)]
			src, dst, zp := buf, p.staging[i], b.typ.AsymmPerLayer.ZeroPoint
			err := parallel.Chunks(len(src), p.ctx.parallel, func(lo, hi int) error {
				return quant.AsymmToSymmBytes(src[lo:hi], zp, dst[lo:hi])
			})
			if err != nil {
				return status.Errorf(status.ErrInvalidParameter, "input %d: %v", i, err)
			}
			buf = p.staging[i]
		}
		inputInfo[i] = ddk.InputInfo{Index: i, Buf: buf, Type: info.Precision, Layout: info.Layout}
	}
	outputInfo := make([]ddk.OutputInfo, len(out))
	for i, b := range out {
		info, err := deviceInfo(b.typ)
		if err != nil {
			return err
		}
		outputInfo[i] = ddk.OutputInfo{Index: i, Buf: b.buf, Type: info.Precision, Layout: info.Layout}
	}

	start := time.Now()
	if err := p.exec.SetInputs(inputInfo); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "set inputs: %v", err)
	}
	if err := p.exec.Run(); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "run: %v", err)
	}
	if err := p.exec.GetOutputs(outputInfo); err != nil {
		return status.Errorf(status.ErrDeviceInternal, "get outputs: %v", err)
	}
	klog.V(3).Infof("process cost %v", time.Since(start))

	for i, b := range out {
		if b.typ.Precision.IsUInt8AsymmPerLayerQuant() {
			buf, zp := b.buf, b.typ.AsymmPerLayer.ZeroPoint
			err := parallel.Chunks(len(buf), p.ctx.parallel, func(lo, hi int) error {
				return quant.SymmToAsymmBytes(buf[lo:hi], zp, buf[lo:hi])
			})
			if err != nil {
				return status.Errorf(status.ErrDeviceInternal, "output %d: %v", i, err)
			}
		}
	}

	if p.dumpPath != "" {
		p.readDumpedGraph()
	}
	return nil
}

// readDumpedGraph moves the file written by the first run into the cache
// record. It runs at most once per build.
func (p *Program) readDumpedGraph() {
	path := p.dumpPath
	p.dumpPath = ""
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Infof("failed to read the dump graph file %s: %v", path, err)
		return
	}
	p.record.Buffer = data
	klog.Infof("read the dump graph file %s success", path)
}

type tensorInfo struct {
	Precision ddk.PrecisionType
	Layout    ddk.DataLayoutType
}

func deviceInfo(t operand.Type) (tensorInfo, error) {
	precision, err := converter.Precision(t.Precision)
	if err != nil {
		return tensorInfo{}, err
	}
	layout, err := converter.Layout(t.Layout)
	if err != nil {
		return tensorInfo{}, err
	}
	return tensorInfo{Precision: precision, Layout: layout}, nil
}

func operandTypes(m *model.Model, ids []model.OperandID) []operand.Type {
	types := make([]operand.Type, len(ids))
	for i, id := range ids {
		types[i] = m.Operand(id).Type.Clone()
	}
	return types
}

func cloneTypes(types []operand.Type) []operand.Type {
	if types == nil {
		return nil
	}
	out := make([]operand.Type, len(types))
	for i, t := range types {
		out[i] = t.Clone()
	}
	return out
}
