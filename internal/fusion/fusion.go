// Package fusion holds the rewrite passes applied to a model before it is
// lowered to a device graph, and the fixed pipeline that runs them.
//
// Fake quantization ops follow these operand conventions:
//
//	fake_quantize_*_abs_max              inputs [x, in_scale]      outputs [out, out_scale...]
//	fake_dequantize_max_abs              inputs [x, scale]         outputs [out]
//	fake_channel_wise_dequantize_max_abs inputs [x, scales]        outputs [out]
//	fake_*quantize_dequantize_*          inputs [x, in_scale?]     outputs [out, out_scale...]
//	quantize_linear, dequantize_linear   inputs [x, scale, zero_point?] outputs [out]
//
// Weights are the second input of conv2d, mul, matmul, lstm and gru.
package fusion

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/pattern"
	"github.com/born-ml/nnadapter/internal/quant"
)

// Pass rewrites a model in place and reports how many rewrites it made.
type Pass interface {
	Name() string
	Apply(m *model.Model) (int, error)
}

// FuserPass applies a sequence of fusers, each to its fixed point.
type FuserPass struct {
	name   string
	fusers []pattern.Fuser
}

// NewFuserPass returns a pass running fusers in order.
func NewFuserPass(name string, fusers ...pattern.Fuser) *FuserPass {
	return &FuserPass{name: name, fusers: fusers}
}

// Name implements Pass.
func (p *FuserPass) Name() string { return p.name }

// Apply implements Pass.
func (p *FuserPass) Apply(m *model.Model) (int, error) {
	total := 0
	for _, f := range p.fusers {
		n, err := pattern.Apply(m, f)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type symmToAsymmPass struct{}

func (symmToAsymmPass) Name() string { return "convert_quantization_symm_to_asymm" }

func (symmToAsymmPass) Apply(m *model.Model) (int, error) {
	return quant.ConvertModelSymmToAsymm(m)
}

// ConvertQuantizationSymmToAsymm returns the pass rewriting int8 symmetric
// operands to uint8 asymmetric ones.
func ConvertQuantizationSymmToAsymm() Pass {
	return symmToAsymmPass{}
}

// Pipeline runs passes in a fixed order.
type Pipeline struct {
	passes []Pass
}

// NewPipeline returns a pipeline of the given passes.
func NewPipeline(passes ...Pass) *Pipeline {
	return &Pipeline{passes: passes}
}

// DefaultPipeline returns the passes applied to every model before lowering.
func DefaultPipeline() *Pipeline {
	return NewPipeline(
		NewQuantDequantFusePass(),
		NewFlattenFcFusePass(),
		NewMatMulAddFusePass(),
		ConvertQuantizationSymmToAsymm(),
	)
}

// Passes returns the passes in execution order.
func (p *Pipeline) Passes() []Pass {
	return p.passes
}

// Run applies every pass to m and returns the total number of rewrites.
func (p *Pipeline) Run(m *model.Model) (int, error) {
	if klog.V(5).Enabled() {
		klog.Infof("origin model:\n%s", model.Visualize(m))
	}
	total := 0
	for _, pass := range p.passes {
		n, err := pass.Apply(m)
		if err != nil {
			return total, fmt.Errorf("pass %s: %w", pass.Name(), err)
		}
		klog.V(4).Infof("pass %s: %d rewrite(s)", pass.Name(), n)
		total += n
	}
	if klog.V(5).Enabled() {
		klog.Infof("optimized model:\n%s", model.Visualize(m))
	}
	return total, nil
}
