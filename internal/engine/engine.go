// Package engine builds models into device programs, restores them from
// cache records and executes them.
package engine

import (
	"github.com/born-ml/nnadapter/internal/converter"
	"github.com/born-ml/nnadapter/internal/ddk"
	"github.com/born-ml/nnadapter/internal/fusion"
	"github.com/born-ml/nnadapter/internal/parallel"
)

// Device identity reported by the driver table.
const (
	DeviceName    = "builtin_device"
	DeviceVendor  = "Paddle"
	DeviceVersion = 1
)

// Executor is a device execution bound to one graph. *ddk.Execution
// implements it.
type Executor interface {
	Build() error
	BuildWithCache() ([]byte, error)
	CanDumpGraph() bool
	SetDumpPath(path string) error
	SetInputs(inputs []ddk.InputInfo) error
	Run() error
	GetOutputs(outputs []ddk.OutputInfo) error
}

// Device is an opened accelerator.
type Device struct {
	Name    string
	Vendor  string
	Version int
}

// OpenDevice returns the device handle.
func OpenDevice() *Device {
	return &Device{Name: DeviceName, Vendor: DeviceVendor, Version: DeviceVersion}
}

// Context holds the per-client configuration shared by its programs.
type Context struct {
	device   *Device
	opts     Options
	registry *converter.Registry
	pipeline *fusion.Pipeline
	parallel parallel.Config

	newExecutor func(g *ddk.Graph) (Executor, error)
}

// NewContext parses properties (see ParseProperties) and returns a context
// on d.
func NewContext(d *Device, properties string) (*Context, error) {
	opts, err := ParseProperties(properties)
	if err != nil {
		return nil, err
	}
	return NewContextWithOptions(d, opts), nil
}

// NewContextWithOptions returns a context on d using opts.
func NewContextWithOptions(d *Device, opts Options) *Context {
	return &Context{
		device:      d,
		opts:        opts,
		registry:    converter.NewRegistry(),
		pipeline:    fusion.DefaultPipeline(),
		parallel:    parallel.DefaultConfig(),
		newExecutor: newDeviceExecutor,
	}
}

func newDeviceExecutor(g *ddk.Graph) (Executor, error) {
	e, err := ddk.NewExecution(g)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Device returns the device of c.
func (c *Context) Device() *Device { return c.device }

// Options returns the options c was created with.
func (c *Context) Options() Options { return c.opts }

// Registry returns the lowering rules used by the programs of c.
func (c *Context) Registry() *converter.Registry { return c.registry }

func (c *Context) graphOptions() ddk.GraphOptions {
	return ddk.GraphOptions{
		SupportCache: c.opts.EnableCache,
		SupportDump:  c.opts.DumpGraphOnRun,
	}
}
