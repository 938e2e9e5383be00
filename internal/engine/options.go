package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/born-ml/nnadapter/internal/status"
)

// Property keys accepted in the context properties string and, prefixed
// with EnvPrefix, in the environment.
const (
	PropertyEnableCache     = "ENABLE_CACHE"
	PropertyDumpGraphOnRun  = "DUMP_GRAPH_ON_RUN"
	PropertyValidateWorkers = "VALIDATE_WORKERS"

	EnvPrefix = "NNADAPTER_FAKE_DEVICE_"
)

// Options configures a Context.
type Options struct {
	// EnableCache lets the device serialize the built graph into the cache
	// buffer at build time.
	EnableCache bool

	// DumpGraphOnRun lets the device write its graph to a file on the first
	// run, used when EnableCache is off.
	DumpGraphOnRun bool

	// ValidateWorkers bounds concurrent operation checks (0 = GOMAXPROCS).
	ValidateWorkers int
}

// DefaultOptions returns the options of the reference device.
func DefaultOptions() Options {
	return Options{
		EnableCache:     true,
		DumpGraphOnRun:  true,
		ValidateWorkers: 0,
	}
}

// ParseProperties reads "KEY=VALUE;KEY=VALUE" over DefaultOptions. Keys
// missing from properties fall back to the environment.
func ParseProperties(properties string) (Options, error) {
	values := make(map[string]string)
	for _, kv := range strings.Split(properties, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Options{}, status.Errorf(status.ErrInvalidParameter, "property %q is not KEY=VALUE", kv)
		}
		values[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := values[key]; ok {
			return v, true
		}
		v := os.Getenv(EnvPrefix + key)
		return v, v != ""
	}

	opts := DefaultOptions()
	var err error
	if v, ok := lookup(PropertyEnableCache); ok {
		if opts.EnableCache, err = parseBool(PropertyEnableCache, v); err != nil {
			return Options{}, err
		}
	}
	if v, ok := lookup(PropertyDumpGraphOnRun); ok {
		if opts.DumpGraphOnRun, err = parseBool(PropertyDumpGraphOnRun, v); err != nil {
			return Options{}, err
		}
	}
	if v, ok := lookup(PropertyValidateWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Options{}, status.Errorf(status.ErrInvalidParameter, "%s=%q", PropertyValidateWorkers, v)
		}
		opts.ValidateWorkers = n
	}
	return opts, nil
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, status.Errorf(status.ErrInvalidParameter, "%s=%q", key, v)
	}
	return b, nil
}

// String formats the options as a properties string.
func (o Options) String() string {
	return fmt.Sprintf("%s=%t;%s=%t;%s=%d",
		PropertyEnableCache, o.EnableCache,
		PropertyDumpGraphOnRun, o.DumpGraphOnRun,
		PropertyValidateWorkers, o.ValidateWorkers)
}
