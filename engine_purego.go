//go:build (darwin || linux) && !nomediacodec

// Native codec engine backed by libmedia_codec using purego.

package webcodecs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaCodecOnce    sync.Once
	mediaCodecHandle  uintptr
	mediaCodecInitErr error
)

// libmedia_codec function pointers
var (
	mediaCodecCreate     func(name string, params uintptr, hwDevice uint64) uint64
	mediaCodecSubmit     func(codec uint64, in uintptr) int32
	mediaCodecReceive    func(codec uint64, out uintptr) int32
	mediaCodecSendEOS    func(codec uint64) int32
	mediaCodecDestroy    func(codec uint64)
	mediaCodecGetError   func() uintptr
	mediaCodecProbe      func(name string, encode, hwType int32) int32
	mediaHWDeviceCreate  func(hwType int32, device string) uint64
	mediaHWDeviceDestroy func(device uint64)
)

// Constants from media_codec.h
const (
	mediaCodecOK         = 0
	mediaCodecProduced   = 1
	mediaCodecEOF        = 2
	mediaCodecError      = -1
	mediaCodecErrorNoMem = -2
	mediaCodecErrorInval = -3
	mediaCodecErrorCodec = -4
	mediaCodecErrorHW    = -5

	mediaCodecFlagKey = 1

	mediaCodecMaxPlanes = 4
)

// mediaCodecParams mirrors struct media_codec_params.
type mediaCodecParams struct {
	Encode         int32
	Width          int32
	Height         int32
	PixelFormat    int32
	SampleRate     int32
	Channels       int32
	AudioFormat    int32
	BitrateMode    int32
	LatencyMode    int32
	Profile        int32
	Level          int32
	_              int32
	Bitrate        int64
	FramerateX1000 int64
	TimebaseNum    int64
	TimebaseDen    int64
	Extradata      uintptr
	ExtradataLen   int32
	_              int32
}

// mediaCodecFrame mirrors struct media_codec_frame, used for both
// directions. This struct must be heap-allocated for purego to work
// correctly on arm64.
type mediaCodecFrame struct {
	Planes       [mediaCodecMaxPlanes]uintptr
	Sizes        [mediaCodecMaxPlanes]int32
	Strides      [mediaCodecMaxPlanes]int32
	PlaneCount   int32
	Flags        int32
	PTS          int64
	Duration     int64
	HasPTS       int32
	Width        int32
	Height       int32
	PixelFormat  int32
	SampleRate   int32
	Channels     int32
	Frames       int32
	AudioFormat  int32
	_            int32
	Extradata    uintptr
	ExtradataLen int32
	_            int32
}

func loadMediaCodec() error {
	mediaCodecOnce.Do(func() {
		mediaCodecInitErr = loadMediaCodecLib()
	})
	return mediaCodecInitErr
}

func loadMediaCodecLib() error {
	var lastErr error
	for _, path := range getMediaCodecLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaCodecHandle = handle
		loadMediaCodecSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: failed to load libmedia_codec: %v", ErrEngineNotFound, lastErr)
	}
	return fmt.Errorf("%w: libmedia_codec not found in any standard location", ErrEngineNotFound)
}

func getMediaCodecLibPaths() []string {
	var paths []string

	libName := "libmedia_codec.so"
	if runtime.GOOS == "darwin" {
		libName = "libmedia_codec.dylib"
	}

	// Environment variable overrides (highest priority)
	if envPath := os.Getenv("MEDIA_CODEC_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("MEDIA_SDK_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "build", "ffi", libName),
		)
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

func loadMediaCodecSymbols() {
	purego.RegisterLibFunc(&mediaCodecCreate, mediaCodecHandle, "media_codec_create")
	purego.RegisterLibFunc(&mediaCodecSubmit, mediaCodecHandle, "media_codec_submit")
	purego.RegisterLibFunc(&mediaCodecReceive, mediaCodecHandle, "media_codec_receive")
	purego.RegisterLibFunc(&mediaCodecSendEOS, mediaCodecHandle, "media_codec_send_eos")
	purego.RegisterLibFunc(&mediaCodecDestroy, mediaCodecHandle, "media_codec_destroy")
	purego.RegisterLibFunc(&mediaCodecGetError, mediaCodecHandle, "media_codec_get_error")
	purego.RegisterLibFunc(&mediaCodecProbe, mediaCodecHandle, "media_codec_probe")
	purego.RegisterLibFunc(&mediaHWDeviceCreate, mediaCodecHandle, "media_hwdevice_create")
	purego.RegisterLibFunc(&mediaHWDeviceDestroy, mediaCodecHandle, "media_hwdevice_destroy")
}

// IsNativeEngineAvailable checks if libmedia_codec is available.
func IsNativeEngineAvailable() bool {
	return loadMediaCodec() == nil
}

func getMediaCodecError() string {
	ptr := mediaCodecGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// mediaCodecErr maps a negative return code to a package error.
func mediaCodecErr(op string, rc int32) error {
	msg := getMediaCodecError()
	switch rc {
	case mediaCodecErrorHW:
		return fmt.Errorf("%w: %s: %s", ErrHardwareUnavailable, op, msg)
	case mediaCodecErrorInval:
		return fmt.Errorf("%w: %s: %s", ErrData, op, msg)
	case mediaCodecErrorNoMem:
		return fmt.Errorf("%w: %s: out of memory", ErrEncoding, op)
	default:
		return fmt.Errorf("%w: %s: %s", ErrEncoding, op, msg)
	}
}

// nativeEngineFactory creates engines backed by libmedia_codec.
type nativeEngineFactory struct{}

func init() {
	RegisterEngineFactory("native", nativeEngineFactory{})
}

// NewEngine implements EngineFactory.
func (nativeEngineFactory) NewEngine() (NativeEngine, error) {
	if err := loadMediaCodec(); err != nil {
		return nil, err
	}
	return &nativeEngine{}, nil
}

// ProbeCodec implements EngineProber.
func (nativeEngineFactory) ProbeCodec(codec Codec, encode bool, method HWMethod) bool {
	if loadMediaCodec() != nil {
		return false
	}
	enc := int32(0)
	if encode {
		enc = 1
	}
	return mediaCodecProbe(method.NativeName(codec, encode), enc, int32(method)) > 0
}

// OpenDevice implements DeviceOpener.
func (nativeEngineFactory) OpenDevice(ctx context.Context, method HWMethod) (*HardwareContext, error) {
	if err := loadMediaCodec(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbort, err)
	}
	h := mediaHWDeviceCreate(int32(method), "")
	if h == 0 {
		return nil, fmt.Errorf("%w: %s device: %s", ErrHardwareUnavailable, method, getMediaCodecError())
	}
	return &HardwareContext{Method: method, Handle: h}, nil
}

// CloseDevice implements DeviceOpener.
func (nativeEngineFactory) CloseDevice(hc *HardwareContext) error {
	if hc == nil || hc.Handle == 0 {
		return nil
	}
	mediaHWDeviceDestroy(hc.Handle)
	hc.Handle = 0
	return nil
}

// nativeEngine implements NativeEngine over one media_codec handle.
type nativeEngine struct {
	handle uint64
	in     *mediaCodecFrame
	out    *mediaCodecFrame
}

func (e *nativeEngine) Configure(p NativeParams) error {
	if e.handle != 0 {
		return fmt.Errorf("%w: engine already configured", ErrInvalidState)
	}
	params := &mediaCodecParams{
		Width:          int32(p.Width),
		Height:         int32(p.Height),
		PixelFormat:    int32(p.PixelFormat),
		SampleRate:     int32(p.SampleRate),
		Channels:       int32(p.Channels),
		AudioFormat:    int32(p.AudioFormat),
		BitrateMode:    int32(p.BitrateMode),
		LatencyMode:    int32(p.LatencyMode),
		Profile:        int32(p.Profile),
		Level:          int32(p.Level),
		Bitrate:        int64(p.Bitrate),
		FramerateX1000: int64(p.Framerate * 1000),
		TimebaseNum:    p.Timebase.Num,
		TimebaseDen:    p.Timebase.Den,
	}
	if p.Encode {
		params.Encode = 1
	}
	if len(p.Extradata) > 0 {
		params.Extradata = uintptr(unsafe.Pointer(&p.Extradata[0]))
		params.ExtradataLen = int32(len(p.Extradata))
	}
	var hw uint64
	if p.Hardware != nil {
		hw = p.Hardware.Handle
	}

	name := p.Candidate.Name
	if name == "" {
		name = p.Candidate.Method.NativeName(p.Codec, p.Encode)
	}
	h := mediaCodecCreate(name, uintptr(unsafe.Pointer(params)), hw)
	runtime.KeepAlive(params)
	runtime.KeepAlive(p.Extradata)
	if h == 0 {
		if p.Candidate.Method.IsHardware() {
			return fmt.Errorf("%w: failed to open %s: %s", ErrHardwareUnavailable, name, getMediaCodecError())
		}
		return fmt.Errorf("%w: failed to open %s: %s", ErrNotSupported, name, getMediaCodecError())
	}
	e.handle = h
	e.in = &mediaCodecFrame{}
	e.out = &mediaCodecFrame{}
	return nil
}

func (e *nativeEngine) Submit(in NativeInput) error {
	if e.handle == 0 {
		return fmt.Errorf("%w: engine not configured", ErrInvalidState)
	}
	if len(in.Data) > mediaCodecMaxPlanes {
		return fmt.Errorf("%w: %d planes", ErrValidation, len(in.Data))
	}
	f := e.in
	*f = mediaCodecFrame{
		PlaneCount: int32(len(in.Data)),
		PTS:        in.PTS,
		Duration:   in.Duration,
		HasPTS:     1,
		Frames:     int32(in.Frames),
	}
	if in.KeyFrame {
		f.Flags |= mediaCodecFlagKey
	}
	for i, plane := range in.Data {
		if len(plane) > 0 {
			f.Planes[i] = uintptr(unsafe.Pointer(&plane[0]))
		}
		f.Sizes[i] = int32(len(plane))
		if i < len(in.Stride) {
			f.Strides[i] = int32(in.Stride[i])
		}
	}
	rc := mediaCodecSubmit(e.handle, uintptr(unsafe.Pointer(f)))
	runtime.KeepAlive(in.Data)
	// The library copies input before returning.
	*f = mediaCodecFrame{}
	if rc < 0 {
		return mediaCodecErr("submit", rc)
	}
	return nil
}

func (e *nativeEngine) ReceiveOne() (*NativeOutput, error) {
	if e.handle == 0 {
		return nil, fmt.Errorf("%w: engine not configured", ErrInvalidState)
	}
	f := e.out
	*f = mediaCodecFrame{}
	rc := mediaCodecReceive(e.handle, uintptr(unsafe.Pointer(f)))
	switch {
	case rc == mediaCodecOK:
		return nil, nil
	case rc == mediaCodecEOF:
		return nil, io.EOF
	case rc < 0:
		return nil, mediaCodecErr("receive", rc)
	case rc != mediaCodecProduced:
		return nil, fmt.Errorf("%w: receive: unexpected status %d", ErrEncoding, rc)
	}

	out := &NativeOutput{
		PTS:         f.PTS,
		HasPTS:      f.HasPTS != 0,
		Duration:    f.Duration,
		KeyFrame:    f.Flags&mediaCodecFlagKey != 0,
		Width:       int(f.Width),
		Height:      int(f.Height),
		PixelFormat: PixelFormat(f.PixelFormat),
		SampleRate:  int(f.SampleRate),
		Channels:    int(f.Channels),
		Frames:      int(f.Frames),
		AudioFormat: AudioFormat(f.AudioFormat),
	}
	n := int(f.PlaneCount)
	if n > mediaCodecMaxPlanes {
		return nil, fmt.Errorf("%w: receive: %d planes", ErrEncoding, n)
	}
	// Native memory is only valid until the next call; copy it out.
	out.Data = make([][]byte, n)
	out.Stride = make([]int, n)
	for i := 0; i < n; i++ {
		out.Data[i] = copyNative(f.Planes[i], f.Sizes[i])
		out.Stride[i] = int(f.Strides[i])
	}
	out.Extradata = copyNative(f.Extradata, f.ExtradataLen)
	return out, nil
}

func (e *nativeEngine) SignalEndOfStream() error {
	if e.handle == 0 {
		return fmt.Errorf("%w: engine not configured", ErrInvalidState)
	}
	if rc := mediaCodecSendEOS(e.handle); rc < 0 {
		return mediaCodecErr("send eos", rc)
	}
	return nil
}

func (e *nativeEngine) Release() error {
	if e.handle == 0 {
		return nil
	}
	mediaCodecDestroy(e.handle)
	e.handle = 0
	return nil
}

func copyNative(ptr uintptr, n int32) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))...)
}

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
