package webcodecs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// testPatternFrame returns an I420 frame filled with color bars.
func testPatternFrame(w, h int, ts int64) *VideoFrame {
	colors := [8][3]uint8{
		{235, 235, 235}, {235, 235, 16}, {16, 235, 235}, {16, 235, 16},
		{235, 16, 235}, {235, 16, 16}, {16, 16, 235}, {16, 16, 16},
	}
	y := make([]byte, w*h)
	u := make([]byte, (w/2)*(h/2))
	v := make([]byte, (w/2)*(h/2))
	bar := w / 8
	if bar == 0 {
		bar = 1
	}
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			idx := min(col/bar, 7)
			yy, uu, vv := rgbToYUV(colors[idx][0], colors[idx][1], colors[idx][2])
			y[row*w+col] = yy
			if row%2 == 0 && col%2 == 0 {
				u[(row/2)*(w/2)+col/2] = uu
				v[(row/2)*(w/2)+col/2] = vv
			}
		}
	}
	return &VideoFrame{
		Data:      [][]byte{y, u, v},
		Stride:    []int{w, w / 2, w / 2},
		Width:     w,
		Height:    h,
		Format:    PixelFormatI420,
		Timestamp: ts,
		Duration:  33333,
	}
}

// rgbToYUV converts with BT.601 limited range coefficients.
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	clamp := func(x, lo, hi float64) uint8 { return uint8(max(lo, min(hi, x))) }
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	y = clamp(16+65.481*rf+128.553*gf+24.966*bf, 16, 235)
	u = clamp(128-37.797*rf-74.203*gf+112.0*bf, 16, 240)
	v = clamp(128+112.0*rf-93.786*gf-18.214*bf, 16, 240)
	return
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []*EncodedChunk
	metas  []*ChunkMetadata
	errs   []error
}

func (s *chunkSink) output(c *EncodedChunk, m *ChunkMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	s.metas = append(s.metas, m)
}

func (s *chunkSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *chunkSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *chunkSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *chunkSink) snapshot() ([]*EncodedChunk, []*ChunkMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*EncodedChunk(nil), s.chunks...), append([]*ChunkMetadata(nil), s.metas...)
}

func vp8Config() VideoEncoderConfig {
	return VideoEncoderConfig{Codec: "vp8", Width: 320, Height: 240, Bitrate: 500_000, Framerate: 30}
}

func TestVideoEncoder_EncodeAndFlush(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	if got := enc.State(); got != CodecStateUnconfigured {
		t.Fatalf("State() = %v, want unconfigured", got)
	}
	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := enc.State(); got != CodecStateConfigured {
		t.Fatalf("State() = %v, want configured", got)
	}

	for i := 0; i < 3; i++ {
		if err := enc.Encode(testPatternFrame(320, 240, int64(i)*33333), EncodeOptions{KeyFrame: i == 0}); err != nil {
			t.Fatalf("Encode(%d) error = %v", i, err)
		}
	}
	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() after flush = %d, want 0", got)
	}

	chunks, metas := sink.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if !chunks[0].IsKey() {
		t.Error("first chunk is not a key chunk")
	}
	for i, c := range chunks {
		if want := int64(i) * 33333; c.Timestamp != want {
			t.Errorf("chunk %d timestamp = %d, want %d", i, c.Timestamp, want)
		}
		if c.Duration != 33333 {
			t.Errorf("chunk %d duration = %d, want 33333", i, c.Duration)
		}
	}
	dc := metas[0].DecoderConfig
	if dc == nil {
		t.Fatal("first output carries no decoder config")
	}
	if dc.Codec != "vp8" || dc.MimeType != webrtc.MimeTypeVP8 || dc.CodedWidth != 320 || dc.CodedHeight != 240 {
		t.Errorf("decoder config = %+v", dc)
	}
	for i, m := range metas[1:] {
		if m.DecoderConfig != nil {
			t.Errorf("output %d carries a decoder config", i+1)
		}
	}
	if errs := sink.errors(); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}

	if got := testutil.ToFloat64(rt.Metrics().Outputs.WithLabelValues("video-encoder", "VP8")); got != 3 {
		t.Errorf("outputs metric = %v, want 3", got)
	}
}

func TestVideoEncoder_QuotaExceeded(t *testing.T) {
	f := &fakeFactory{buffering: true}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	cfg := vp8Config()
	cfg.MaxQueueSize = 2
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := enc.Encode(testPatternFrame(320, 240, int64(i)), EncodeOptions{}); err != nil {
			t.Fatalf("Encode(%d) error = %v", i, err)
		}
	}
	if got := enc.EncodeQueueSize(); got != 2 {
		t.Errorf("EncodeQueueSize() = %d, want 2", got)
	}
	if err := enc.Encode(testPatternFrame(320, 240, 2), EncodeOptions{}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Encode() at capacity error = %v, want ErrQuotaExceeded", err)
	}
	if got := len(f.last(t).submitted()); got != 2 {
		t.Errorf("engine saw %d inputs, want 2", got)
	}

	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() after flush = %d, want 0", got)
	}
	if err := enc.Encode(testPatternFrame(320, 240, 3), EncodeOptions{}); err != nil {
		t.Errorf("Encode() after flush error = %v", err)
	}
}

func TestVideoEncoder_FlushTimeout(t *testing.T) {
	f := &fakeFactory{buffering: true, stallEOS: true}
	rt := newTestRuntime(t, f, func(c *RuntimeConfig) { c.FlushTimeout = 50 * time.Millisecond })
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	first := f.last(t)
	if err := enc.Encode(testPatternFrame(320, 240, 0), EncodeOptions{}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if err := enc.Flush(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Flush() error = %v, want ErrTimeout", err)
	}
	if got := enc.State(); got != CodecStateConfigured {
		t.Errorf("State() after flush timeout = %v, want configured", got)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() after flush timeout = %d, want 0", got)
	}
	if !first.isReleased() {
		t.Error("timed out engine was not released")
	}
	second := f.last(t)
	if second == first {
		t.Fatal("engine was not recreated")
	}
	if first.params.Candidate != second.params.Candidate {
		t.Errorf("recreated on %v, want %v", second.params.Candidate, first.params.Candidate)
	}

	// Late outputs of the abandoned engine are dropped.
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Errorf("got %d outputs from the abandoned engine", got)
	}
	if err := enc.Encode(testPatternFrame(320, 240, 1), EncodeOptions{}); err != nil {
		t.Errorf("Encode() after flush timeout error = %v", err)
	}
}

func TestSession_ResetAbortsFlush(t *testing.T) {
	for _, op := range []string{"reset", "close"} {
		t.Run(op, func(t *testing.T) {
			f := &fakeFactory{stallEOS: true}
			rt := newTestRuntime(t, f)
			enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
			defer enc.Close()
			if err := enc.Configure(vp8Config()); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}
			engine := f.last(t)

			done := make(chan error, 1)
			go func() { done <- enc.Flush(context.Background()) }()
			waitFor(t, "end of stream", func() bool { return engine.flushes() > 0 })

			if op == "reset" {
				_ = enc.Reset()
			} else {
				_ = enc.Close()
			}
			select {
			case err := <-done:
				if !errors.Is(err, ErrAbort) {
					t.Errorf("Flush() error = %v, want ErrAbort", err)
				}
			case <-time.After(time.Second):
				t.Fatal("Flush() did not return")
			}
		})
	}
}

func TestSession_FlushCancelled(t *testing.T) {
	f := &fakeFactory{stallEOS: true}
	rt := newTestRuntime(t, f)
	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()
	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := enc.Flush(ctx); !errors.Is(err, ErrAbort) {
		t.Errorf("Flush() error = %v, want ErrAbort", err)
	}
	if got := enc.State(); got != CodecStateConfigured {
		t.Errorf("State() = %v, want configured", got)
	}
}

func TestSession_ResetAndCloseAreIdempotent(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))

	if err := enc.Flush(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Flush() unconfigured error = %v, want ErrInvalidState", err)
	}
	if err := enc.Encode(testPatternFrame(16, 16, 0), EncodeOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Encode() unconfigured error = %v, want ErrInvalidState", err)
	}

	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	engine := f.last(t)
	for i := 0; i < 2; i++ {
		if err := enc.Reset(); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		if got := enc.State(); got != CodecStateUnconfigured {
			t.Fatalf("State() after reset = %v, want unconfigured", got)
		}
	}
	if !engine.isReleased() {
		t.Error("reset did not release the engine")
	}
	if len(rt.Selector().CacheStatus()) != 0 {
		t.Error("reset left the pipeline chain cached")
	}

	for i := 0; i < 2; i++ {
		if err := enc.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if got := enc.State(); got != CodecStateClosed {
			t.Fatalf("State() after close = %v, want closed", got)
		}
	}
	if err := enc.Reset(); err != nil {
		t.Errorf("Reset() after close error = %v", err)
	}
	if got := enc.State(); got != CodecStateClosed {
		t.Errorf("State() after reset of closed encoder = %v, want closed", got)
	}
	if err := enc.Configure(vp8Config()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Configure() after close error = %v, want ErrInvalidState", err)
	}
	if err := enc.Encode(testPatternFrame(16, 16, 0), EncodeOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Encode() after close error = %v, want ErrInvalidState", err)
	}
	if err := enc.Flush(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Flush() after close error = %v, want ErrInvalidState", err)
	}
}

func TestSession_InvalidConfigLeavesStateUntouched(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()

	bad := vp8Config()
	bad.Width = 0
	if err := enc.Configure(bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("Configure(bad) error = %v, want ErrValidation", err)
	}
	if got := enc.State(); got != CodecStateUnconfigured {
		t.Errorf("State() = %v, want unconfigured", got)
	}

	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	engine := f.last(t)
	bad.Width, bad.Codec = 320, "avc1.zz"
	if err := enc.Configure(bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("Configure(bad codec) error = %v, want ErrValidation", err)
	}
	if got := enc.State(); got != CodecStateConfigured {
		t.Errorf("State() = %v, want configured", got)
	}
	if engine.isReleased() {
		t.Error("rejected config released the live engine")
	}

	audio := vp8Config()
	audio.Codec = "opus"
	if err := enc.Configure(audio); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Configure(opus) error = %v, want ErrNotSupported", err)
	}
}

func TestVideoEncoder_DescriptionOncePerConfiguration(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	cfg := VideoEncoderConfig{Codec: "avc1.64001f", Width: 1280, Height: 720}
	for epoch := 0; epoch < 2; epoch++ {
		if err := enc.Configure(cfg); err != nil {
			t.Fatalf("Configure() error = %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := enc.Encode(testPatternFrame(16, 16, int64(i)), EncodeOptions{}); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
		}
		if err := enc.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	}

	chunks, metas := sink.snapshot()
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}
	for i, m := range metas {
		if wantConfig := i%3 == 0; (m.DecoderConfig != nil) != wantConfig {
			t.Errorf("output %d: decoder config present = %v, want %v", i, m.DecoderConfig != nil, wantConfig)
		}
	}

	dc := metas[0].DecoderConfig
	if dc.Codec != "avc1.64001F" {
		t.Errorf("codec = %q, want avc1.64001F", dc.Codec)
	}
	rec, err := ParseAVCConfig(dc.Description)
	if err != nil {
		t.Fatalf("ParseAVCConfig(description) error = %v", err)
	}
	if rec.LengthSize != 4 || !bytes.Equal(rec.SPS[0], testAVCSPS) || !bytes.Equal(rec.PPS[0], testAVCPPS) {
		t.Errorf("description record = %+v", rec)
	}

	key := chunks[0]
	if key.Framing != FramingLengthPrefixed || !key.IsKey() {
		t.Errorf("key chunk framing = %v, key = %v", key.Framing, key.IsKey())
	}
	if want := lengthPrefixed(testAVCIDR); !bytes.Equal(key.Data, want) {
		t.Errorf("key chunk = % x, want % x", key.Data, want)
	}
	if chunks[1].IsKey() {
		t.Error("delta output marked key")
	}
}

func TestVideoEncoder_AnnexBOutput(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	cfg := VideoEncoderConfig{Codec: "avc3.64001f", Width: 1280, Height: 720, BitstreamFormat: BitstreamFormatAnnexB}
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := enc.Encode(testPatternFrame(16, 16, 0), EncodeOptions{KeyFrame: true}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	chunks, metas := sink.snapshot()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Framing != FramingAnnexB {
		t.Errorf("framing = %v, want annexb", chunks[0].Framing)
	}
	if want := annexB(testAVCSPS, testAVCPPS, testAVCIDR); !bytes.Equal(chunks[0].Data, want) {
		t.Errorf("chunk = % x, want % x", chunks[0].Data, want)
	}
	if metas[0].DecoderConfig.Description != nil {
		t.Error("Annex B output carries a description")
	}
}

func TestVideoEncoder_TemporalLayers(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()

	cfg := vp8Config()
	cfg.ScalabilityMode = "L1T3"
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := enc.Encode(testPatternFrame(320, 240, int64(i)), EncodeOptions{}); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	_, metas := sink.snapshot()
	want := []int{0, 2, 1, 2, 0}
	for i, m := range metas {
		if m.TemporalLayerID != want[i] {
			t.Errorf("output %d layer = %d, want %d", i, m.TemporalLayerID, want[i])
		}
	}
}

func TestVideoEncoder_RejectsMismatchedFrame(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()
	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	frame := testPatternFrame(320, 240, 0)
	frame.Format = PixelFormatNV12
	if err := enc.Encode(frame, EncodeOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Encode(NV12) error = %v, want ErrValidation", err)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() = %d, want 0", got)
	}
	if err := enc.Encode(nil, EncodeOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Encode(nil) error = %v, want ErrValidation", err)
	}
}

func hardwareVP8(rt *Runtime) {
	entries := softwareEntries()
	entries = append(entries,
		CapabilityEntry{Codec: CodecVP8, Encode: true, Method: HWMethodCUDA, Name: "vp8_nvenc", Available: true},
		CapabilityEntry{Codec: CodecVP8, Encode: true, Method: HWMethodVAAPI, Name: "vp8_vaapi", Available: true},
	)
	rt.Capabilities().Set(entries)
}

func TestSession_FallsBackWhenHardwareFailsToOpen(t *testing.T) {
	f := &fakeFactory{failConfigure: map[HWMethod]bool{HWMethodCUDA: true}}
	rt := newTestRuntime(t, f)
	hardwareVP8(rt)

	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()
	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := f.last(t).params.Candidate.Method; got != HWMethodVAAPI {
		t.Errorf("opened on %v, want vaapi", got)
	}
	if f.last(t).params.Hardware == nil {
		t.Error("hardware pipeline opened without a device context")
	}

	status := rt.Selector().CacheStatus()
	if len(status) != 1 || len(status[0].Failed) != 1 || status[0].Failed[0] != HWMethodCUDA {
		t.Errorf("CacheStatus() = %+v, want cuda failed", status)
	}
	if got := testutil.ToFloat64(rt.Metrics().PipelineFallbacks.WithLabelValues("VP8", "cuda")); got != 1 {
		t.Errorf("fallback metric = %v, want 1", got)
	}
}

func TestSession_PreferSoftwareSkipsHardware(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	hardwareVP8(rt)

	enc := NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()
	cfg := vp8Config()
	cfg.HardwareAcceleration = HardwareAccelerationPreferSoftware
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := f.last(t).params.Candidate; !got.IsSoftware() {
		t.Errorf("opened on %v, want software", got)
	}
	if len(rt.Selector().CacheStatus()) != 0 {
		t.Error("software preference populated the pipeline cache")
	}
}

func TestSession_FallsBackWhenHardwareIsLost(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	hardwareVP8(rt)

	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()
	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	hw := f.last(t)
	if got := hw.params.Candidate.Method; got != HWMethodCUDA {
		t.Fatalf("opened on %v, want cuda", got)
	}

	f.loseHardware.Store(true)
	if err := enc.Encode(testPatternFrame(320, 240, 0), EncodeOptions{}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	sw := f.last(t)
	if !sw.params.Candidate.IsSoftware() {
		t.Errorf("resubmitted on %v, want software", sw.params.Candidate)
	}
	if !hw.isReleased() {
		t.Error("lost hardware engine was not released")
	}
	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := sink.count(); got != 1 {
		t.Errorf("got %d outputs, want 1", got)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() = %d, want 0", got)
	}
}

func TestSession_HardwareLossSettlesQueuedUnits(t *testing.T) {
	f := &fakeFactory{buffering: true}
	rt := newTestRuntime(t, f)
	hardwareVP8(rt)

	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))
	defer enc.Close()
	cfg := vp8Config()
	cfg.MaxQueueSize = 3
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := enc.Encode(testPatternFrame(320, 240, int64(i)), EncodeOptions{}); err != nil {
			t.Fatalf("Encode(%d) error = %v", i, err)
		}
	}

	// The two frames held by the lost engine fail; the third moves over.
	f.loseHardware.Store(true)
	if err := enc.Encode(testPatternFrame(320, 240, 2), EncodeOptions{}); err != nil {
		t.Fatalf("Encode() on lost hardware error = %v", err)
	}
	if got := enc.EncodeQueueSize(); got != 1 {
		t.Errorf("EncodeQueueSize() after fallback = %d, want 1", got)
	}
	errs := sink.errors()
	if len(errs) != 2 {
		t.Fatalf("error callback got %d errors, want 2", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, ErrEncoding) {
			t.Errorf("lost unit error = %v, want ErrEncoding", err)
		}
	}
	sw := f.last(t)
	if !sw.params.Candidate.IsSoftware() || len(sw.submitted()) != 1 {
		t.Fatalf("software engine got %d inputs on %v, want 1", len(sw.submitted()), sw.params.Candidate)
	}

	for i := 3; i < 5; i++ {
		if err := enc.Encode(testPatternFrame(320, 240, int64(i)), EncodeOptions{}); err != nil {
			t.Fatalf("Encode(%d) error = %v", i, err)
		}
	}
	if err := enc.Encode(testPatternFrame(320, 240, 5), EncodeOptions{}); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Encode() over capacity error = %v, want ErrQuotaExceeded", err)
	}

	if err := enc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// Five admitted units: three outputs and two errors.
	if got := sink.count(); got != 3 {
		t.Errorf("got %d outputs, want 3", got)
	}
	if got := len(sink.errors()); got != 2 {
		t.Errorf("got %d errors, want 2", got)
	}
	if got := enc.EncodeQueueSize(); got != 0 {
		t.Errorf("EncodeQueueSize() = %d, want 0", got)
	}
	if got := testutil.ToFloat64(rt.Metrics().PendingUnits.WithLabelValues(kindVideoEncoder.String())); got != 0 {
		t.Errorf("pending gauge = %v, want 0", got)
	}
}

func TestVideoDecoder_HardwareLossOnDeltaChunk(t *testing.T) {
	f := &fakeFactory{buffering: true}
	rt := newTestRuntime(t, f)
	rt.Capabilities().Set(append(softwareEntries(),
		CapabilityEntry{Codec: CodecVP8, Method: HWMethodCUDA, Name: "vp8_cuvid", Available: true},
	))

	sink := &frameSink{}
	dec := NewVideoDecoder(sink.output, sink.onError, WithRuntime(rt))
	defer dec.Close()
	if err := dec.Configure(VideoDecoderConfig{Codec: "vp8", CodedWidth: 320, CodedHeight: 240}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := f.last(t).params.Candidate.Method; got != HWMethodCUDA {
		t.Fatalf("opened on %v, want cuda", got)
	}

	key := func(ts int64) *EncodedChunk {
		return &EncodedChunk{Timestamp: ts, Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}}
	}
	delta := func(ts int64) *EncodedChunk {
		return &EncodedChunk{Timestamp: ts, Data: []byte{0x31, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}}
	}
	for _, c := range []*EncodedChunk{key(0), delta(1)} {
		if err := dec.Decode(c); err != nil {
			t.Fatalf("Decode(%d) error = %v", c.Timestamp, err)
		}
	}

	// A delta chunk cannot start the replacement engine, so it fails with
	// the units the lost engine held.
	f.loseHardware.Store(true)
	if err := dec.Decode(delta(2)); err != nil {
		t.Fatalf("Decode() on lost hardware error = %v", err)
	}
	sw := f.last(t)
	if !sw.params.Candidate.IsSoftware() {
		t.Fatalf("replacement opened on %v, want software", sw.params.Candidate)
	}
	if n := len(sw.submitted()); n != 0 {
		t.Errorf("software engine got %d inputs before a key chunk", n)
	}
	if got := dec.DecodeQueueSize(); got != 0 {
		t.Errorf("DecodeQueueSize() = %d, want 0", got)
	}
	if got := len(sink.errors()); got != 3 {
		t.Errorf("error callback got %d errors, want 3", got)
	}

	if err := dec.Decode(delta(3)); !errors.Is(err, ErrData) {
		t.Errorf("Decode(delta) after fallback error = %v, want ErrData", err)
	}
	if err := dec.Decode(key(4)); err != nil {
		t.Fatalf("Decode(key) after fallback error = %v", err)
	}
	in := sw.submitted()
	if len(in) != 1 || !in[0].KeyFrame {
		t.Errorf("software engine inputs = %+v, want one key unit", in)
	}
	if err := dec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if frames, _ := sink.snapshot(); len(frames) != 1 {
		t.Errorf("got %d frames, want 1", len(frames))
	}
}

func TestSession_ConfigureExhaustionCloses(t *testing.T) {
	f := &fakeFactory{failConfigure: map[HWMethod]bool{HWMethodNone: true}}
	rt := newTestRuntime(t, f)
	sink := &chunkSink{}
	enc := NewVideoEncoder(sink.output, sink.onError, WithRuntime(rt))

	err := enc.Configure(vp8Config())
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Configure() error = %v, want ErrNotSupported", err)
	}
	if got := enc.State(); got != CodecStateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	errs := sink.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrNotSupported) {
		t.Errorf("error callback got %v, want one ErrNotSupported", errs)
	}
}

func TestSession_CallbackMayReset(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	var enc *VideoEncoder
	reset := make(chan struct{})
	enc = NewVideoEncoder(func(*EncodedChunk, *ChunkMetadata) {
		_ = enc.Reset()
		close(reset)
	}, nil, WithRuntime(rt))
	defer enc.Close()

	if err := enc.Configure(vp8Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := enc.Encode(testPatternFrame(320, 240, 0), EncodeOptions{}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("output callback never ran")
	}
	if got := enc.State(); got != CodecStateUnconfigured {
		t.Errorf("State() = %v, want unconfigured", got)
	}
}

type frameSink struct {
	mu     sync.Mutex
	frames []*VideoFrame
	metas  []*FrameMetadata
	errs   []error
}

func (s *frameSink) output(f *VideoFrame, m *FrameMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	s.metas = append(s.metas, m)
}

func (s *frameSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *frameSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *frameSink) snapshot() ([]*VideoFrame, []*FrameMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*VideoFrame(nil), s.frames...), append([]*FrameMetadata(nil), s.metas...)
}

func testAVCDescription(t *testing.T) []byte {
	t.Helper()
	desc, err := (&AVCConfig{
		ConfigurationVersion: 1,
		Profile:              0x64,
		Level:                0x1f,
		LengthSize:           4,
		SPS:                  [][]byte{testAVCSPS},
		PPS:                  [][]byte{testAVCPPS},
	}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return desc
}

func TestVideoDecoder_RequiresKeyChunk(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &frameSink{}
	dec := NewVideoDecoder(sink.output, sink.onError, WithRuntime(rt))
	defer dec.Close()

	desc := testAVCDescription(t)
	if err := dec.Configure(VideoDecoderConfig{Codec: "avc1.64001f", Description: desc}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	engine := f.last(t)
	if engine.params.Width != 1280 || engine.params.Height != 720 {
		t.Errorf("engine size = %dx%d, want 1280x720 from the SPS", engine.params.Width, engine.params.Height)
	}
	if want := annexB(testAVCSPS, testAVCPPS); !bytes.Equal(engine.params.Extradata, want) {
		t.Errorf("extradata = % x, want % x", engine.params.Extradata, want)
	}

	delta := &EncodedChunk{Type: ChunkTypeDelta, Timestamp: 0, Data: lengthPrefixed(testAVCSlice)}
	if err := dec.Decode(delta); !errors.Is(err, ErrData) {
		t.Fatalf("Decode(delta first) error = %v, want ErrData", err)
	}
	if got := dec.DecodeQueueSize(); got != 0 {
		t.Errorf("DecodeQueueSize() = %d, want 0", got)
	}

	key := &EncodedChunk{Type: ChunkTypeKey, Timestamp: 1000, Data: lengthPrefixed(testAVCIDR)}
	if err := dec.Decode(key); err != nil {
		t.Fatalf("Decode(key) error = %v", err)
	}
	delta.Timestamp = 2000
	if err := dec.Decode(delta); err != nil {
		t.Fatalf("Decode(delta) error = %v", err)
	}
	if err := dec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	inputs := engine.submitted()
	if len(inputs) != 2 {
		t.Fatalf("engine saw %d inputs, want 2", len(inputs))
	}
	if want := annexB(testAVCSPS, testAVCPPS, testAVCIDR); !bytes.Equal(inputs[0].Data[0], want) {
		t.Errorf("key input = % x, want % x", inputs[0].Data[0], want)
	}
	if want := annexB(testAVCSlice); !bytes.Equal(inputs[1].Data[0], want) {
		t.Errorf("delta input = % x, want % x", inputs[1].Data[0], want)
	}
	if !inputs[0].KeyFrame || inputs[1].KeyFrame {
		t.Error("key flags not passed to the engine")
	}

	frames, metas := sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Width != 1280 || frames[0].Height != 720 || frames[0].Timestamp != 1000 {
		t.Errorf("frame = %dx%d @%d", frames[0].Width, frames[0].Height, frames[0].Timestamp)
	}
	if !bytes.Equal(metas[0].Description, desc) {
		t.Error("first frame does not carry the description")
	}
	if metas[1].Description != nil {
		t.Error("second frame carries a description")
	}

	// Flushing requires a new key chunk.
	delta.Timestamp = 3000
	if err := dec.Decode(delta); !errors.Is(err, ErrData) {
		t.Errorf("Decode(delta after flush) error = %v, want ErrData", err)
	}
}

func TestVideoDecoder_AnnexBWithoutDescription(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	sink := &frameSink{}
	dec := NewVideoDecoder(sink.output, sink.onError, WithRuntime(rt))
	defer dec.Close()

	if err := dec.Configure(VideoDecoderConfig{Codec: "avc3.64001f", CodedWidth: 1280, CodedHeight: 720}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	// Type unknown: the IDR marks it as a key chunk.
	au := &EncodedChunk{Timestamp: 0, Data: annexB(testAVCSPS, testAVCPPS, testAVCIDR)}
	if err := dec.Decode(au); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := dec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	_, metas := sink.snapshot()
	if len(metas) != 1 {
		t.Fatalf("got %d frames, want 1", len(metas))
	}
	rec, err := ParseAVCConfig(metas[0].Description)
	if err != nil {
		t.Fatalf("learned description does not parse: %v", err)
	}
	if !bytes.Equal(rec.SPS[0], testAVCSPS) {
		t.Error("learned description has the wrong SPS")
	}
}

func TestVideoDecoder_SniffsVP8Keyframes(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	dec := NewVideoDecoder(func(*VideoFrame, *FrameMetadata) {}, nil, WithRuntime(rt))
	defer dec.Close()
	if err := dec.Configure(VideoDecoderConfig{Codec: "vp8", CodedWidth: 320, CodedHeight: 240}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	inter := &EncodedChunk{Data: []byte{0x31, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}}
	if err := dec.Decode(inter); !errors.Is(err, ErrData) {
		t.Errorf("Decode(interframe) error = %v, want ErrData", err)
	}
	key := &EncodedChunk{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}}
	if err := dec.Decode(key); err != nil {
		t.Errorf("Decode(keyframe) error = %v", err)
	}
}

func TestVideoDecoder_BufferTransfer(t *testing.T) {
	f := &fakeFactory{buffering: true}
	rt := newTestRuntime(t, f)
	dec := NewVideoDecoder(func(*VideoFrame, *FrameMetadata) {}, nil, WithRuntime(rt))
	defer dec.Close()
	if err := dec.Configure(VideoDecoderConfig{Codec: "vp8", CodedWidth: 320, CodedHeight: 240, MaxQueueSize: 1}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}
	buf := NewBuffer(append([]byte(nil), payload...))
	chunk := NewEncodedChunkFromBuffer(ChunkTypeKey, 0, buf)
	if buf.Bytes() != nil {
		t.Error("source buffer still holds the payload")
	}
	if err := dec.Decode(chunk); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if chunk.Data != nil {
		t.Error("decoded chunk still holds the payload")
	}
	if got := f.last(t).submitted()[0].Data[0]; !bytes.Equal(got, payload) {
		t.Errorf("engine input = % x, want % x", got, payload)
	}

	// A rejected chunk keeps its payload.
	rejected := NewEncodedChunkFromBuffer(ChunkTypeKey, 1, NewBuffer(append([]byte(nil), payload...)))
	if err := dec.Decode(rejected); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Decode() at capacity error = %v, want ErrQuotaExceeded", err)
	}
	if !bytes.Equal(rejected.Data, payload) {
		t.Error("rejected chunk lost its payload")
	}
	rejected.Release()
	if rejected.Data != nil {
		t.Error("Release() kept the payload")
	}
}

func TestVideoDecoder_RejectedChunkKeepsBuffer(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	dec := NewVideoDecoder(func(*VideoFrame, *FrameMetadata) {}, nil, WithRuntime(rt))
	defer dec.Close()
	if err := dec.Configure(VideoDecoderConfig{Codec: "avc1.42001e", CodedWidth: 320, CodedHeight: 240}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	payload := []byte{0x12, 0x34, 0x56, 0x78, 0x9a}
	chunk := NewEncodedChunkFromBuffer(ChunkTypeKey, 0, NewBuffer(append([]byte(nil), payload...)))
	if err := dec.Decode(chunk); !errors.Is(err, ErrData) {
		t.Fatalf("Decode(unframed) error = %v, want ErrData", err)
	}
	if !bytes.Equal(chunk.Data, payload) {
		t.Errorf("rejected chunk Data = % x, want % x", chunk.Data, payload)
	}
	if got := dec.DecodeQueueSize(); got != 0 {
		t.Errorf("DecodeQueueSize() = %d, want 0", got)
	}
	if n := len(f.last(t).submitted()); n != 0 {
		t.Errorf("engine got %d inputs", n)
	}
	chunk.Release()
	if chunk.Data != nil {
		t.Error("Release() kept the payload")
	}
}

func TestAudioEncoder_AAC(t *testing.T) {
	tests := []struct {
		name      string
		format    AACFormat
		framing   Framing
		wantDesc  []byte
		wantFirst byte
	}{
		{"raw", AACFormatRaw, FramingRaw, []byte{0x11, 0x90}, 0x21},
		{"adts", AACFormatADTS, FramingADTS, nil, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFactory{}
			rt := newTestRuntime(t, f)
			sink := &chunkSink{}
			enc := NewAudioEncoder(sink.output, sink.onError, WithRuntime(rt))
			defer enc.Close()

			cfg := AudioEncoderConfig{Codec: "mp4a.40.2", SampleRate: 48000, Channels: 2, Bitrate: 128_000, AACFormat: tt.format}
			if err := enc.Configure(cfg); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}
			if tb := f.last(t).params.Timebase; tb != (Timebase{1, 48000}) {
				t.Errorf("engine timebase = %v, want 1/48000", tb)
			}
			data := &AudioData{
				Data:       make([]byte, 960*2*4),
				SampleRate: 48000,
				Channels:   2,
				Frames:     960,
				Format:     AudioFormatF32,
				Timestamp:  20000,
			}
			if err := enc.Encode(data); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if err := enc.Flush(context.Background()); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			if in := f.last(t).submitted()[0]; in.PTS != 960 || in.Duration != 960 {
				t.Errorf("engine input pts/duration = %d/%d, want 960/960", in.PTS, in.Duration)
			}
			chunks, metas := sink.snapshot()
			if len(chunks) != 1 {
				t.Fatalf("got %d chunks, want 1", len(chunks))
			}
			c := chunks[0]
			if c.Timestamp != 20000 || c.Duration != 20000 {
				t.Errorf("chunk timestamp/duration = %d/%d, want 20000/20000", c.Timestamp, c.Duration)
			}
			if c.Framing != tt.framing || c.Data[0] != tt.wantFirst {
				t.Errorf("chunk framing = %v, first byte %#x", c.Framing, c.Data[0])
			}
			dc := metas[0].DecoderConfig
			if dc == nil || dc.Codec != "mp4a.40.2" || dc.SampleRate != 48000 || dc.Channels != 2 {
				t.Fatalf("decoder config = %+v", dc)
			}
			if !bytes.Equal(dc.Description, tt.wantDesc) {
				t.Errorf("description = % x, want % x", dc.Description, tt.wantDesc)
			}
		})
	}
}

func TestAudioEncoder_PlanarInput(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	enc := NewAudioEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()

	cfg := AudioEncoderConfig{Codec: "opus", SampleRate: 48000, Channels: 2, SampleFormat: AudioFormatS16Planar}
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	samples := make([]byte, 480*2*2)
	for i := 480 * 2; i < len(samples); i++ {
		samples[i] = 1
	}
	data := &AudioData{Data: samples, SampleRate: 48000, Channels: 2, Frames: 480, Format: AudioFormatS16Planar}
	if err := enc.Encode(data); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	in := f.last(t).submitted()[0]
	if len(in.Data) != 2 || len(in.Data[0]) != 960 || in.Data[0][0] != 0 || in.Data[1][0] != 1 {
		t.Errorf("planar input split into %d planes", len(in.Data))
	}

	data.SampleRate = 44100
	if err := enc.Encode(data); !errors.Is(err, ErrValidation) {
		t.Errorf("Encode(wrong rate) error = %v, want ErrValidation", err)
	}
}

func TestAudioEncoder_UnsupportedLayout(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	enc := NewAudioEncoder(func(*EncodedChunk, *ChunkMetadata) {}, nil, WithRuntime(rt))
	defer enc.Close()
	err := enc.Configure(AudioEncoderConfig{Codec: "opus", SampleRate: 44100, Channels: 2})
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("Configure(opus 44.1k) error = %v, want ErrNotSupported", err)
	}
	if got := enc.State(); got != CodecStateUnconfigured {
		t.Errorf("State() = %v, want unconfigured", got)
	}
}

func TestAudioDecoder_ADTS(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	var mu sync.Mutex
	var got []*AudioData
	var metas []*FrameMetadata
	dec := NewAudioDecoder(func(a *AudioData, m *FrameMetadata) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a)
		metas = append(metas, m)
	}, nil, WithRuntime(rt))
	defer dec.Close()

	if err := dec.Configure(AudioDecoderConfig{Codec: "mp4a.40.2", SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	raw := []byte{0x21, 0x10, 0x04, 0x60}
	frame, err := WrapADTS(raw, NewAudioSpecificConfig(AudioObjectTypeAACLC, 48000, 2))
	if err != nil {
		t.Fatalf("WrapADTS() error = %v", err)
	}
	if err := dec.Decode(&EncodedChunk{Timestamp: 5000, Data: frame}); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := dec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if in := f.last(t).submitted()[0].Data[0]; !bytes.Equal(in, raw) {
		t.Errorf("engine input = % x, want raw % x", in, raw)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d outputs, want 1", len(got))
	}
	a := got[0]
	if a.SampleRate != 48000 || a.Channels != 2 || a.Frames != 960 || a.Timestamp != 5000 {
		t.Errorf("audio = %d Hz x %d, %d frames @%d", a.SampleRate, a.Channels, a.Frames, a.Timestamp)
	}
	if !bytes.Equal(metas[0].Description, []byte{0x11, 0x90}) {
		t.Errorf("description = % x, want 11 90", metas[0].Description)
	}
}

func TestAudioDecoder_RawAACNeedsDescription(t *testing.T) {
	f := &fakeFactory{}
	rt := newTestRuntime(t, f)
	var errs []error
	var mu sync.Mutex
	dec := NewAudioDecoder(func(*AudioData, *FrameMetadata) {}, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}, WithRuntime(rt))
	defer dec.Close()

	if err := dec.Configure(AudioDecoderConfig{Codec: "mp4a.40.2", SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	err := dec.Decode(&EncodedChunk{Type: ChunkTypeKey, Data: []byte{0x21, 0x10, 0x04}})
	if !errors.Is(err, ErrData) {
		t.Errorf("Decode(raw without description) error = %v, want ErrData", err)
	}
	if got := dec.DecodeQueueSize(); got != 0 {
		t.Errorf("DecodeQueueSize() = %d, want 0", got)
	}

	bad := AudioDecoderConfig{Codec: "mp4a.40.2", SampleRate: 48000, Channels: 2, Description: []byte{0x00}}
	if err := dec.Configure(bad); !errors.Is(err, ErrValidation) {
		t.Errorf("Configure(bad description) error = %v, want ErrValidation", err)
	}
}
