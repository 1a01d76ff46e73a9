package webcodecs

import (
	"context"
	"fmt"
)

// EncodeOptions are per-frame encoder controls.
type EncodeOptions struct {
	KeyFrame bool // Force a keyframe
}

// VideoEncoder encodes raw video frames into encoded chunks. Outputs and
// asynchronous errors are delivered to the callbacks given at construction
// from a session goroutine; they must not block for long.
type VideoEncoder struct {
	output func(chunk *EncodedChunk, meta *ChunkMetadata)
	s      *session
}

// NewVideoEncoder creates an unconfigured video encoder.
func NewVideoEncoder(output func(chunk *EncodedChunk, meta *ChunkMetadata), onError func(err error), opts ...Option) *VideoEncoder {
	e := &VideoEncoder{output: output}
	e.s = newSession(kindVideoEncoder, e.deliver, onError, opts)
	return e
}

// Configure validates cfg and opens a pipeline for it. Malformed configs
// fail with ErrValidation and leave the encoder untouched. When no pipeline
// can serve cfg the encoder closes and ErrNotSupported is returned and
// delivered to the error callback.
func (e *VideoEncoder) Configure(cfg VideoEncoderConfig) error {
	if err := e.s.checkOpen(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cfg.Clone()
	cs, err := parseSessionCodec(c.Codec, true)
	if err != nil {
		return err
	}
	if c.PixelFormat == PixelFormatUnknown {
		c.PixelFormat = PixelFormatI420
	}
	layers, _ := temporalLayers(c.ScalabilityMode)

	setup := &sessionSetup{
		codec:       cs.Codec,
		codecString: c.Codec,
		key: PipelineKey{
			Codec:  cs.Codec,
			Encode: true,
			Format: c.PixelFormat,
			Width:  c.Width,
			Height: c.Height,
		},
		pref: preference(c.HardwareAcceleration, e.s.rt),
		params: NativeParams{
			Codec:       cs.Codec,
			Encode:      true,
			Width:       c.Width,
			Height:      c.Height,
			PixelFormat: c.PixelFormat,
			Framerate:   c.Framerate,
			Bitrate:     c.Bitrate,
			BitrateMode: c.BitrateMode,
			LatencyMode: c.LatencyMode,
			Profile:     cs.Profile,
			Level:       cs.Level,
			Timebase:    Microseconds,
		},
		maxQueue: resolveMaxQueueSize(c.MaxQueueSize, c.Width, c.Height),
		template: DecoderConfig{
			Codec:       c.Codec,
			MimeType:    cs.Codec.MimeType(),
			CodedWidth:  c.Width,
			CodedHeight: c.Height,
			ColorSpace:  c.ColorSpace,
		},
		layers: layers,
		framer: newEncodeFramer(cs.Codec, c.BitstreamFormat, AACFormatRaw, nil),
	}
	return e.s.configure(setup)
}

// Encode submits frame. The frame planes are read before Encode returns.
func (e *VideoEncoder) Encode(frame *VideoFrame, opts EncodeOptions) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrValidation)
	}
	return e.s.process(unit{
		sizeHint: -1,
		key:      func(*sessionSetup) bool { return opts.KeyFrame },
		prepare: func(setup *sessionSetup, _ *Buffer) (NativeInput, error) {
			if frame.Format != setup.params.PixelFormat {
				return NativeInput{}, fmt.Errorf("%w: frame format %s, encoder configured for %s",
					ErrValidation, frame.Format, setup.params.PixelFormat)
			}
			if len(frame.Data) < frame.Format.PlaneCount() {
				return NativeInput{}, fmt.Errorf("%w: %s frame has %d planes", ErrValidation, frame.Format, len(frame.Data))
			}
			return NativeInput{
				Data:     frame.Data,
				Stride:   frame.Stride,
				PTS:      frame.Timestamp,
				Duration: frame.Duration,
				KeyFrame: opts.KeyFrame,
			}, nil
		},
	})
}

func (e *VideoEncoder) deliver(setup *sessionSetup, out *NativeOutput, ts, dur int64, first bool) (func(), error) {
	if len(out.Data) == 0 || len(out.Data[0]) == 0 {
		return nil, fmt.Errorf("%w: empty encoder output", ErrEncoding)
	}
	key := out.KeyFrame
	if !key && setup.codec.UsesNALUnits() {
		if nals, err := splitAnnexB(out.Data[0]); err == nil {
			key = containsKeyframe(setup.codec, nals)
		}
	}

	setup.framerMu.Lock()
	data, framing, err := setup.framer.encodeOutput(out.Data[0], out.Extradata)
	var dc *DecoderConfig
	if err == nil && first {
		cfg := setup.template
		cfg.Codec = setup.framer.codecString(setup.codecString)
		cfg.Description = cloneBytes(setup.framer.outputDescription())
		cfg.ColorSpace = cloneColorSpace(cfg.ColorSpace)
		dc = &cfg
	}
	layer := 0
	if err == nil {
		layer = setup.temporalLayerID()
	}
	setup.framerMu.Unlock()
	if err != nil {
		return nil, err
	}

	chunk := &EncodedChunk{
		Type:      ChunkTypeDelta,
		Timestamp: ts,
		Duration:  dur,
		Data:      data,
		Framing:   framing,
	}
	if key {
		chunk.Type = ChunkTypeKey
	}
	meta := &ChunkMetadata{DecoderConfig: dc, TemporalLayerID: layer}
	return func() {
		if e.output != nil {
			e.output(chunk, meta)
		}
	}, nil
}

// Flush emits every pending output. It fails with ErrTimeout when the
// engine does not drain within the runtime flush timeout; the encoder stays
// configured. A Reset or Close during the wait fails it with ErrAbort.
func (e *VideoEncoder) Flush(ctx context.Context) error { return e.s.flushSession(ctx) }

// Reset discards pending work and returns to the unconfigured state.
func (e *VideoEncoder) Reset() error {
	e.s.reset(fmt.Errorf("%w: reset", ErrAbort))
	return nil
}

// Close releases the encoder. It is safe to call more than once.
func (e *VideoEncoder) Close() error {
	e.s.close()
	return nil
}

// State returns the lifecycle state.
func (e *VideoEncoder) State() CodecState { return e.s.State() }

// EncodeQueueSize returns the number of frames submitted and not yet
// output or errored.
func (e *VideoEncoder) EncodeQueueSize() int { return e.s.QueueSize() }

// AudioEncoder encodes raw audio into encoded chunks.
type AudioEncoder struct {
	output func(chunk *EncodedChunk, meta *ChunkMetadata)
	s      *session
}

// NewAudioEncoder creates an unconfigured audio encoder.
func NewAudioEncoder(output func(chunk *EncodedChunk, meta *ChunkMetadata), onError func(err error), opts ...Option) *AudioEncoder {
	e := &AudioEncoder{output: output}
	e.s = newSession(kindAudioEncoder, e.deliver, onError, opts)
	return e
}

// Configure validates cfg and opens a pipeline for it.
func (e *AudioEncoder) Configure(cfg AudioEncoderConfig) error {
	if err := e.s.checkOpen(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cfg.Clone()
	cs, err := parseSessionCodec(c.Codec, false)
	if err != nil {
		return err
	}
	if err := checkAudioCodecLayout(cs, c.SampleRate, c.Channels); err != nil {
		return err
	}
	if c.SampleFormat == AudioFormatUnknown {
		c.SampleFormat = AudioFormatF32
	}

	var asc *AudioSpecificConfig
	if cs.Codec == CodecAAC {
		ot := cs.ObjectType
		if ot == 0 {
			ot = AudioObjectTypeAACLC
		}
		asc = NewAudioSpecificConfig(ot, c.SampleRate, c.Channels)
	}

	setup := &sessionSetup{
		codec:       cs.Codec,
		codecString: c.Codec,
		key:         PipelineKey{Codec: cs.Codec, Encode: true},
		pref:        preference(HardwareAccelerationNoPreference, e.s.rt),
		params: NativeParams{
			Codec:       cs.Codec,
			Encode:      true,
			SampleRate:  c.SampleRate,
			Channels:    c.Channels,
			AudioFormat: c.SampleFormat,
			Bitrate:     c.Bitrate,
			BitrateMode: c.BitrateMode,
			Profile:     uint8(cs.ObjectType),
			Timebase:    Timebase{Num: 1, Den: int64(c.SampleRate)},
		},
		maxQueue: resolveMaxQueueSize(c.MaxQueueSize, 0, 0),
		template: DecoderConfig{
			Codec:      c.Codec,
			MimeType:   cs.Codec.MimeType(),
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
		},
		framer: newEncodeFramer(cs.Codec, BitstreamFormatLengthPrefixed, c.AACFormat, asc),
	}
	return e.s.configure(setup)
}

// Encode submits data. The samples are read before Encode returns.
func (e *AudioEncoder) Encode(data *AudioData) error {
	if data == nil {
		return fmt.Errorf("%w: nil audio data", ErrValidation)
	}
	return e.s.process(unit{
		sizeHint: -1,
		prepare: func(setup *sessionSetup, _ *Buffer) (NativeInput, error) {
			p := setup.params
			if data.SampleRate != p.SampleRate || data.Channels != p.Channels {
				return NativeInput{}, fmt.Errorf("%w: audio is %d Hz x %d, encoder configured for %d Hz x %d",
					ErrValidation, data.SampleRate, data.Channels, p.SampleRate, p.Channels)
			}
			if data.Format != p.AudioFormat {
				return NativeInput{}, fmt.Errorf("%w: sample format %s, encoder configured for %s",
					ErrValidation, data.Format, p.AudioFormat)
			}
			planes, err := audioPlanes(data)
			if err != nil {
				return NativeInput{}, err
			}
			return NativeInput{
				Data:     planes,
				PTS:      Microseconds.Rescale(data.Timestamp, p.Timebase),
				Duration: int64(data.Frames),
				Frames:   data.Frames,
			}, nil
		},
	})
}

// audioPlanes splits planar sample data into one slice per channel.
func audioPlanes(a *AudioData) ([][]byte, error) {
	bps := a.Format.BytesPerSample()
	switch a.Format {
	case AudioFormatS16, AudioFormatF32:
		if len(a.Data) < a.Frames*a.Channels*bps {
			return nil, fmt.Errorf("%w: %d bytes for %d frames", ErrData, len(a.Data), a.Frames)
		}
		return [][]byte{a.Data}, nil
	case AudioFormatS16Planar, AudioFormatF32Planar:
		size := a.Frames * bps
		if len(a.Data) < size*a.Channels {
			return nil, fmt.Errorf("%w: %d bytes for %d frames", ErrData, len(a.Data), a.Frames)
		}
		planes := make([][]byte, a.Channels)
		for i := range planes {
			planes[i] = a.Data[i*size : (i+1)*size]
		}
		return planes, nil
	default:
		return nil, fmt.Errorf("%w: sample format %s", ErrValidation, a.Format)
	}
}

func (e *AudioEncoder) deliver(setup *sessionSetup, out *NativeOutput, ts, dur int64, first bool) (func(), error) {
	if len(out.Data) == 0 || len(out.Data[0]) == 0 {
		return nil, fmt.Errorf("%w: empty encoder output", ErrEncoding)
	}
	setup.framerMu.Lock()
	data, framing, err := setup.framer.encodeOutput(out.Data[0], out.Extradata)
	var dc *DecoderConfig
	if err == nil && first {
		cfg := setup.template
		cfg.Codec = setup.framer.codecString(setup.codecString)
		cfg.Description = cloneBytes(setup.framer.outputDescription())
		dc = &cfg
	}
	setup.framerMu.Unlock()
	if err != nil {
		return nil, err
	}

	chunk := &EncodedChunk{
		Type:      ChunkTypeKey,
		Timestamp: ts,
		Duration:  dur,
		Data:      data,
		Framing:   framing,
	}
	meta := &ChunkMetadata{DecoderConfig: dc}
	return func() {
		if e.output != nil {
			e.output(chunk, meta)
		}
	}, nil
}

// Flush emits every pending output.
func (e *AudioEncoder) Flush(ctx context.Context) error { return e.s.flushSession(ctx) }

// Reset discards pending work and returns to the unconfigured state.
func (e *AudioEncoder) Reset() error {
	e.s.reset(fmt.Errorf("%w: reset", ErrAbort))
	return nil
}

// Close releases the encoder. It is safe to call more than once.
func (e *AudioEncoder) Close() error {
	e.s.close()
	return nil
}

// State returns the lifecycle state.
func (e *AudioEncoder) State() CodecState { return e.s.State() }

// EncodeQueueSize returns the number of inputs submitted and not yet
// output or errored.
func (e *AudioEncoder) EncodeQueueSize() int { return e.s.QueueSize() }

// preference resolves a config preference against the runtime default.
func preference(h HardwareAcceleration, rt *Runtime) HardwareAcceleration {
	if h == HardwareAccelerationNoPreference {
		return rt.accel
	}
	return h
}
