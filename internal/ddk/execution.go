package ddk

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InputInfo hands one input buffer to an execution.
type InputInfo struct {
	Index  int
	Buf    []byte
	Type   PrecisionType
	Layout DataLayoutType
}

// OutputInfo receives one output buffer from an execution.
type OutputInfo struct {
	Index  int
	Buf    []byte
	Type   PrecisionType
	Layout DataLayoutType
}

// Execution is a built graph ready to run.
type Execution struct {
	graph    *Graph
	built    bool
	dumpPath string
}

// NewExecution binds an execution to g.
func NewExecution(g *Graph) (*Execution, error) {
	if g == nil {
		return nil, errors.Wrap(ErrInvalidModel, "nil graph")
	}
	return &Execution{graph: g}, nil
}

// Build compiles the graph for the device.
func (e *Execution) Build() error {
	if len(e.graph.outputs) == 0 {
		return errors.Wrap(ErrInvalidOutputs, "graph outputs are not set")
	}
	e.built = true
	klog.V(5).Infof("ddk: built graph with %d node(s) and %d tensor(s)", len(e.graph.nodes), len(e.graph.tensors))
	return nil
}

// BuildWithCache builds the graph and returns its cache buffer. EnableCache
// must have been called on the graph.
func (e *Execution) BuildWithCache() ([]byte, error) {
	if !e.graph.cacheEnabled {
		return nil, ErrCacheUnsupported
	}
	if err := e.Build(); err != nil {
		return nil, err
	}
	buf, err := serialize(e.graph)
	if err != nil {
		return nil, errors.WithMessage(err, "ddk: serialize graph")
	}
	return buf, nil
}

// CanDumpGraph reports whether the execution can write its graph to a file
// when it runs.
func (e *Execution) CanDumpGraph() bool {
	return e.graph.opts.SupportDump
}

// SetDumpPath makes the next Run write the serialized graph to path.
func (e *Execution) SetDumpPath(path string) error {
	if !e.CanDumpGraph() {
		return errors.Wrap(ErrInvalidParam, "graph dump not supported")
	}
	e.dumpPath = path
	return nil
}

// SetInputs copies the caller buffers into the input tensors.
func (e *Execution) SetInputs(inputs []InputInfo) error {
	if len(inputs) != len(e.graph.inputs) {
		return errors.Wrapf(ErrInvalidInputs, "got %d inputs, want %d", len(inputs), len(e.graph.inputs))
	}
	for _, in := range inputs {
		if in.Index < 0 || in.Index >= len(e.graph.inputs) {
			return errors.Wrapf(ErrInvalidInputs, "input index %d out of range", in.Index)
		}
		t := e.graph.inputs[in.Index]
		if len(in.Buf) != len(t.Data) {
			return errors.Wrapf(ErrInvalidInputs, "input %d: got %d bytes, want %d", in.Index, len(in.Buf), len(t.Data))
		}
		copy(t.Data, in.Buf)
	}
	return nil
}

// Run executes the graph. Every output receives the bytes of the input with
// the same position, modulo the number of inputs, zero padded or truncated.
func (e *Execution) Run() error {
	if !e.built {
		return errors.Wrap(ErrInvalidModel, "execution is not built")
	}
	for i, out := range e.graph.outputs {
		clear(out.Data)
		if n := len(e.graph.inputs); n > 0 {
			copy(out.Data, e.graph.inputs[i%n].Data)
		}
	}
	if e.dumpPath != "" {
		path := e.dumpPath
		e.dumpPath = ""
		e.dump(path)
	}
	return nil
}

// dump writes the serialized graph to path. A failed dump does not fail the
// run; the caller sees an empty dumped graph.
func (e *Execution) dump(path string) {
	buf, err := serialize(e.graph)
	if err != nil {
		klog.Warningf("ddk: serialize graph: %v", err)
		return
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		klog.Warningf("ddk: dump graph to %s: %v", path, err)
		return
	}
	klog.V(3).Infof("ddk: dumped graph to %s", path)
}

// GetOutputs copies the output tensors into the caller buffers.
func (e *Execution) GetOutputs(outputs []OutputInfo) error {
	if len(outputs) != len(e.graph.outputs) {
		return errors.Wrapf(ErrInvalidOutputs, "got %d outputs, want %d", len(outputs), len(e.graph.outputs))
	}
	for _, out := range outputs {
		if out.Index < 0 || out.Index >= len(e.graph.outputs) {
			return errors.Wrapf(ErrInvalidOutputs, "output index %d out of range", out.Index)
		}
		t := e.graph.outputs[out.Index]
		if len(out.Buf) != len(t.Data) {
			return errors.Wrapf(ErrInvalidOutputs, "output %d: got %d bytes, want %d", out.Index, len(out.Buf), len(t.Data))
		}
		copy(out.Buf, t.Data)
	}
	return nil
}
