package webcodecs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Timebase is a rational time unit in seconds.
type Timebase struct {
	Num int64
	Den int64
}

// Microseconds is the timebase of session timestamps.
var Microseconds = Timebase{Num: 1, Den: 1_000_000}

// Rescale converts v from tb to dst, rounding to nearest.
func (tb Timebase) Rescale(v int64, dst Timebase) int64 {
	if tb.Den == 0 || dst.Num == 0 || tb == dst {
		return v
	}
	num := v * tb.Num * dst.Den
	den := tb.Den * dst.Num
	if num >= 0 {
		return (num + den/2) / den
	}
	return (num - den/2) / den
}

// NativeParams opens a native codec.
type NativeParams struct {
	Codec     Codec
	Encode    bool
	Candidate PipelineCandidate
	Hardware  *HardwareContext // nil for software pipelines

	// Video
	Width       int
	Height      int
	PixelFormat PixelFormat
	Framerate   float64

	// Audio
	SampleRate  int
	Channels    int
	AudioFormat AudioFormat

	// Encoder controls
	Bitrate     int
	BitrateMode BitrateMode
	LatencyMode LatencyMode
	Profile     uint8 // AVC profile_idc or AAC object type, 0 for default
	Level       uint8

	Timebase  Timebase
	Extradata []byte // Out-of-band decoder configuration
}

// NativeInput is one unit submitted to a native engine. For video frames
// Data holds one slice per plane; for everything else it holds one payload.
// Engines must not retain Data after Submit returns.
type NativeInput struct {
	Data     [][]byte
	Stride   []int
	PTS      int64 // In the engine timebase
	Duration int64
	KeyFrame bool // Encoders: force a keyframe. Decoders: unit is a key chunk.
	Frames   int  // Audio frames per channel
}

// NativeOutput is one unit produced by a native engine. The session owns
// Data once ReceiveOne returns.
type NativeOutput struct {
	Data     [][]byte
	Stride   []int
	PTS      int64
	HasPTS   bool
	Duration int64
	KeyFrame bool

	// Decoded video
	Width       int
	Height      int
	PixelFormat PixelFormat

	// Decoded audio
	SampleRate  int
	Channels    int
	Frames      int
	AudioFormat AudioFormat

	// Extradata is the encoder's out-of-band configuration, when it reports
	// one with this output.
	Extradata []byte
}

// NativeEngine is one open native codec. Calls are serialized by the
// session.
//
// ReceiveOne never blocks: it returns nil, nil when nothing is ready, and
// nil, io.EOF once the engine drained after SignalEndOfStream, after which
// the engine accepts input again.
type NativeEngine interface {
	Configure(params NativeParams) error
	Submit(in NativeInput) error
	ReceiveOne() (*NativeOutput, error)
	SignalEndOfStream() error
	Release() error
}

// ReadyNotifier is implemented by engines that signal when output may be
// ready. Sessions without it poll.
type ReadyNotifier interface {
	Ready() <-chan struct{}
}

// EngineFactory creates native engines and the devices they run on.
type EngineFactory interface {
	DeviceOpener
	EngineProber
	NewEngine() (NativeEngine, error)
}

// --- Registry ---

type engineRegistry struct {
	mu        sync.RWMutex
	factories map[string]EngineFactory
	preferred string
}

var globalEngineRegistry = &engineRegistry{
	factories: make(map[string]EngineFactory),
}

// RegisterEngineFactory registers a named engine factory. The first
// registered factory becomes the default.
func RegisterEngineFactory(name string, f EngineFactory) {
	globalEngineRegistry.mu.Lock()
	defer globalEngineRegistry.mu.Unlock()
	globalEngineRegistry.factories[name] = f
	if globalEngineRegistry.preferred == "" {
		globalEngineRegistry.preferred = name
	}
}

// SetDefaultEngineFactory selects the factory used by runtimes built without
// one.
func SetDefaultEngineFactory(name string) error {
	globalEngineRegistry.mu.Lock()
	defer globalEngineRegistry.mu.Unlock()
	if _, ok := globalEngineRegistry.factories[name]; !ok {
		return fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	globalEngineRegistry.preferred = name
	return nil
}

// EngineFactoryByName returns a registered factory.
func EngineFactoryByName(name string) (EngineFactory, error) {
	globalEngineRegistry.mu.RLock()
	defer globalEngineRegistry.mu.RUnlock()
	f, ok := globalEngineRegistry.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	return f, nil
}

// EngineFactories returns the registered factory names.
func EngineFactories() []string {
	globalEngineRegistry.mu.RLock()
	defer globalEngineRegistry.mu.RUnlock()
	names := make([]string, 0, len(globalEngineRegistry.factories))
	for n := range globalEngineRegistry.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func defaultEngineFactory() EngineFactory {
	globalEngineRegistry.mu.RLock()
	defer globalEngineRegistry.mu.RUnlock()
	if f, ok := globalEngineRegistry.factories[globalEngineRegistry.preferred]; ok {
		return f
	}
	return unavailableEngineFactory{}
}

// unavailableEngineFactory stands in when no native library is present.
type unavailableEngineFactory struct{}

func (unavailableEngineFactory) NewEngine() (NativeEngine, error) {
	return nil, fmt.Errorf("%w: no engine factory registered", ErrEngineNotFound)
}

func (unavailableEngineFactory) OpenDevice(context.Context, HWMethod) (*HardwareContext, error) {
	return nil, fmt.Errorf("%w: no engine factory registered", ErrEngineNotFound)
}

func (unavailableEngineFactory) CloseDevice(*HardwareContext) error { return nil }

func (unavailableEngineFactory) ProbeCodec(Codec, bool, HWMethod) bool { return false }
