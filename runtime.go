package webcodecs

import (
	"context"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Runtime is the state shared by sessions: the pipeline selector and its
// capability snapshot, the hardware context and buffer pools, metrics and
// the native engine factory. It is safe for concurrent use.
type Runtime struct {
	cfg     *RuntimeConfig
	log     logrus.FieldLogger
	metrics *Metrics
	engines EngineFactory

	capabilities *CapabilityStore
	selector     *PipelineSelector
	hwPool       *HardwareContextPool
	buffers      *BufferPool
	accel        HardwareAcceleration
}

type runtimeOptions struct {
	engines    EngineFactory
	registerer prometheus.Registerer
	logger     logrus.FieldLogger
	prober     CapabilityProber
}

// RuntimeOption customizes NewRuntime.
type RuntimeOption func(*runtimeOptions)

// WithEngineFactory sets the native engine factory. The default is the
// registry default.
func WithEngineFactory(f EngineFactory) RuntimeOption {
	return func(o *runtimeOptions) { o.engines = f }
}

// WithRegisterer registers the runtime metrics with reg.
func WithRegisterer(reg prometheus.Registerer) RuntimeOption {
	return func(o *runtimeOptions) { o.registerer = reg }
}

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(l logrus.FieldLogger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithCapabilityProber replaces the native capability prober.
func WithCapabilityProber(p CapabilityProber) RuntimeOption {
	return func(o *runtimeOptions) { o.prober = p }
}

// NewRuntime builds a runtime. A nil cfg uses DefaultRuntimeConfig.
func NewRuntime(cfg *RuntimeConfig, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultRuntimeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.engines == nil {
		o.engines = defaultEngineFactory()
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		level, _ := ParseLogLevel(cfg.LogLevel)
		l.SetLevel(level)
		o.logger = l
	}
	if o.prober == nil {
		o.prober = &NativeProber{Engine: o.engines}
	}
	overrides, err := cfg.Overrides()
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(o.registerer)
	return &Runtime{
		cfg:          cfg,
		log:          o.logger,
		metrics:      metrics,
		engines:      o.engines,
		capabilities: NewCapabilityStore(o.prober, overrides, o.logger),
		selector:     NewPipelineSelector(o.logger, metrics),
		hwPool:       NewHardwareContextPool(o.engines, cfg.Pool(), metrics),
		buffers:      NewBufferPool(),
		accel:        cfg.DefaultAcceleration(),
	}, nil
}

var (
	defaultRuntimeOnce sync.Once
	defaultRuntime     *Runtime
)

// DefaultRuntime returns the process-wide runtime, built on first use from
// the file named by WEBCODECS_CONFIG or from the defaults.
func DefaultRuntime() *Runtime {
	defaultRuntimeOnce.Do(func() {
		cfg := DefaultRuntimeConfig()
		if path := os.Getenv("WEBCODECS_CONFIG"); path != "" {
			loaded, err := LoadRuntimeConfig(path)
			if err != nil {
				Logger().WithError(err).WithField("path", path).Warn("Using default runtime config")
			} else {
				cfg = loaded
			}
		}
		rt, err := NewRuntime(cfg, WithRuntimeLogger(Logger()))
		if err != nil {
			// Defaults always validate.
			panic(err)
		}
		if IsNativeEngineAvailable() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
			if err := rt.Refresh(ctx); err != nil {
				rt.log.WithError(err).Warn("Hardware probe failed, using software pipelines")
			}
			cancel()
		}
		defaultRuntime = rt
	})
	return defaultRuntime
}

// Config returns the runtime configuration.
func (rt *Runtime) Config() *RuntimeConfig { return rt.cfg }

// Metrics returns the runtime collectors.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// Selector returns the pipeline selector.
func (rt *Runtime) Selector() *PipelineSelector { return rt.selector }

// Capabilities returns the capability store.
func (rt *Runtime) Capabilities() *CapabilityStore { return rt.capabilities }

// HardwarePool returns the hardware context pool.
func (rt *Runtime) HardwarePool() *HardwareContextPool { return rt.hwPool }

// Buffers returns the buffer pool.
func (rt *Runtime) Buffers() *BufferPool { return rt.buffers }

// Refresh re-probes the host capabilities and drops cached fallback chains
// so new sessions see the new snapshot.
func (rt *Runtime) Refresh(ctx context.Context) error {
	if err := rt.capabilities.Refresh(ctx); err != nil {
		return err
	}
	rt.selector.ClearCache()
	return nil
}

// Close releases pooled hardware contexts. Sessions still using the runtime
// fail to acquire new ones.
func (rt *Runtime) Close() error {
	var result *multierror.Error
	if err := rt.hwPool.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	rt.selector.ClearCache()
	return result.ErrorOrNil()
}
