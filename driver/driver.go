// Package driver exposes the device as a table of lifecycle functions that
// report status codes instead of errors.
package driver

import (
	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/internal/cache"
	"github.com/born-ml/nnadapter/internal/engine"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/status"
)

// Device is the driver table of one accelerator.
type Device struct {
	Name    string
	Vendor  string
	Version int

	OpenDevice     func() (*engine.Device, status.Code)
	CloseDevice    func(d *engine.Device)
	CreateContext  func(d *engine.Device, properties string) (*engine.Context, status.Code)
	DestroyContext func(c *engine.Context)

	ValidateProgram func(c *engine.Context, m *model.Model) ([]bool, status.Code)
	CreateProgram   func(c *engine.Context, m *model.Model, rec *cache.Record) (*engine.Program, status.Code)
	DestroyProgram  func(p *engine.Program)
	ExecuteProgram  func(p *engine.Program, inputs, outputs []engine.Argument) status.Code
}

// Builtin is the table of the built-in device.
var Builtin = Device{
	Name:    engine.DeviceName,
	Vendor:  engine.DeviceVendor,
	Version: engine.DeviceVersion,

	OpenDevice:     openDevice,
	CloseDevice:    func(*engine.Device) {},
	CreateContext:  createContext,
	DestroyContext: func(*engine.Context) {},

	ValidateProgram: validateProgram,
	CreateProgram:   createProgram,
	DestroyProgram:  destroyProgram,
	ExecuteProgram:  executeProgram,
}

func openDevice() (*engine.Device, status.Code) {
	return engine.OpenDevice(), status.NoError
}

func createContext(d *engine.Device, properties string) (*engine.Context, status.Code) {
	if d == nil {
		return nil, status.InvalidParameter
	}
	ctx, err := engine.NewContext(d, properties)
	if err != nil {
		klog.Errorf("create context: %v", err)
		return nil, status.Of(err)
	}
	klog.V(3).Infof("context options: %s", ctx.Options())
	return ctx, status.NoError
}

func validateProgram(c *engine.Context, m *model.Model) ([]bool, status.Code) {
	if c == nil || m == nil {
		return nil, status.InvalidParameter
	}
	return c.NewProgram().Validate(m), status.NoError
}

func createProgram(c *engine.Context, m *model.Model, rec *cache.Record) (*engine.Program, status.Code) {
	if c == nil || (m == nil && (rec == nil || len(rec.Buffer) == 0)) {
		return nil, status.InvalidParameter
	}
	p := c.NewProgram()
	if err := p.Build(m, rec); err != nil {
		klog.Errorf("build program: %v", err)
		return nil, status.Of(err)
	}
	return p, status.NoError
}

func destroyProgram(p *engine.Program) {
	if p != nil {
		p.Clear()
	}
}

func executeProgram(p *engine.Program, inputs, outputs []engine.Argument) status.Code {
	if p == nil {
		return status.InvalidParameter
	}
	if err := p.Execute(inputs, outputs); err != nil {
		klog.Errorf("execute program: %v", err)
		return status.Of(err)
	}
	return status.NoError
}
