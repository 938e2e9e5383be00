// Package main provides the nnadapter CLI. It builds a small quantized
// model for the built-in device, persists its cache record and runs it.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/driver"
	"github.com/born-ml/nnadapter/internal/cache"
	"github.com/born-ml/nnadapter/internal/engine"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/status"
)

const version = "v0.1.0"

func main() {
	klog.InitFlags(nil)
	cacheDir := flag.String("cache-dir", "", "directory holding <token>.nnc cache records")
	token := flag.String("token", "demo_fc", "cache token of the model")
	properties := flag.String("properties", "", "device properties, KEY=VALUE;KEY=VALUE")
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	switch flag.Arg(0) {
	case "version":
		fmt.Printf("nnadapter %s (%s %s)\n", version, driver.Builtin.Vendor, driver.Builtin.Name)
	case "ops":
		ctx := engine.NewContextWithOptions(engine.OpenDevice(), engine.DefaultOptions())
		for _, op := range ctx.Registry().SupportedOps() {
			fmt.Println(op)
		}
	case "run":
		if err := run(*cacheDir, *token, *properties); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "nnadapter %s\n\n", version)
	fmt.Fprintln(os.Stderr, "Usage: nnadapter [flags] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version    Show version")
	fmt.Fprintln(os.Stderr, "  ops        List supported operations")
	fmt.Fprintln(os.Stderr, "  run        Build (or restore) and execute the demo model")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func run(cacheDir, token, properties string) error {
	d := driver.Builtin
	dev, code := d.OpenDevice()
	if code != status.NoError {
		return fmt.Errorf("open device: %s", code)
	}
	defer d.CloseDevice(dev)
	ctx, code := d.CreateContext(dev, properties)
	if code != status.NoError {
		return fmt.Errorf("create context: %s", code)
	}
	defer d.DestroyContext(ctx)

	rec := &cache.Record{}
	if cacheDir != "" {
		var err error
		if rec, err = cache.Load(cacheDir, token); err != nil {
			return err
		}
	}
	warm := len(rec.Buffer) > 0

	var m *model.Model
	if !warm {
		m = demoModel()
		flags, code := d.ValidateProgram(ctx, m)
		if code != status.NoError {
			return fmt.Errorf("validate: %s", code)
		}
		fmt.Printf("supported operations: %v\n", flags)
	}
	program, code := d.CreateProgram(ctx, m, rec)
	if code != status.NoError {
		return fmt.Errorf("create program: %s", code)
	}
	defer d.DestroyProgram(program)
	fmt.Printf("built from %s\n", map[bool]string{true: "cache", false: "model"}[warm])

	in := program.InputTypes()[0]
	input := make([]byte, in.BufferLength())
	for i := range input {
		input[i] = byte(128 + i*8)
	}
	output := make([]byte, program.OutputTypes()[0].BufferLength())
	code = d.ExecuteProgram(program,
		[]engine.Argument{{Index: 0, Memory: input, Access: access}},
		[]engine.Argument{{Index: 0, Memory: output, Access: access}})
	if code != status.NoError {
		return fmt.Errorf("execute: %s", code)
	}
	fmt.Printf("input  %s: %v\n", in, input)
	fmt.Printf("output %s: %v\n", program.OutputTypes()[0], output)

	if cacheDir != "" && !warm && len(rec.Buffer) > 0 {
		if err := cache.Save(rec); err != nil {
			return err
		}
		fmt.Printf("saved %s (%d byte device buffer)\n", rec.Path(), len(rec.Buffer))
	}
	return nil
}

func access(memory any, _ *operand.Type) ([]byte, error) {
	buf, ok := memory.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected memory %T", memory)
	}
	return buf, nil
}

// demoModel is a symmetric int8 fully connected layer with a fused relu:
// input[1,4] x weight[2,4] + bias[2] -> output[1,2].
func demoModel() *model.Model {
	quantized := func(p operand.Precision, scale float32, dims ...int32) operand.Type {
		t := operand.NewType(p, dims...)
		t.SymmPerLayer.Scale = scale
		return t
	}

	m := model.New()
	in := m.AddInput(quantized(operand.QuantInt8SymmPerLayer, 0.05, 1, 4))
	w := m.AddConstant(quantized(operand.QuantInt8SymmPerLayer, 0.01, 2, 4),
		operand.EncodeInt8([]int8{1, -2, 3, -4, 5, -6, 7, -8}))
	b := m.AddConstant(quantized(operand.QuantInt32SymmPerLayer, 0.0005, 2),
		operand.EncodeInt32([]int32{100, -100}))
	out := m.AddOperand(quantized(operand.QuantInt8SymmPerLayer, 0.1, 1, 2), model.TemporaryVariable)
	m.AddOperation(model.OpFullyConnected, []model.OperandID{in, w, b}, []model.OperandID{out},
		model.Attrs{"fuse_code": model.FuseRelu})
	m.MarkOutput(out)
	return m
}
