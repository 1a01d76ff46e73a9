package webcodecs

import (
	"context"
	"fmt"
)

// VideoDecoder decodes encoded chunks into raw video frames.
type VideoDecoder struct {
	output func(frame *VideoFrame, meta *FrameMetadata)
	s      *session
}

// NewVideoDecoder creates an unconfigured video decoder.
func NewVideoDecoder(output func(frame *VideoFrame, meta *FrameMetadata), onError func(err error), opts ...Option) *VideoDecoder {
	d := &VideoDecoder{output: output}
	d.s = newSession(kindVideoDecoder, d.deliver, onError, opts)
	return d
}

// Configure validates cfg and opens a pipeline for it. An avcC or hvcC
// description is parsed here; without coded dimensions the decoder takes
// them from its SPS.
func (d *VideoDecoder) Configure(cfg VideoDecoderConfig) error {
	if err := d.s.checkOpen(); err != nil {
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
	f, err := newDecodeFramer(cs.Codec, c.Description)
	if err != nil {
		return fmt.Errorf("%w: description: %v", ErrValidation, err)
	}
	if c.CodedWidth == 0 && f.record != nil {
		if w, h, ok := codedSizeFromRecord(f.record); ok {
			c.CodedWidth, c.CodedHeight = w, h
		}
	}

	setup := &sessionSetup{
		codec:       cs.Codec,
		codecString: c.Codec,
		key: PipelineKey{
			Codec:  cs.Codec,
			Format: PixelFormatI420,
			Width:  c.CodedWidth,
			Height: c.CodedHeight,
		},
		pref: preference(c.HardwareAcceleration, d.s.rt),
		params: NativeParams{
			Codec:       cs.Codec,
			Width:       c.CodedWidth,
			Height:      c.CodedHeight,
			PixelFormat: PixelFormatI420,
			Profile:     cs.Profile,
			Level:       cs.Level,
			Timebase:    Microseconds,
			Extradata:   f.nativeExtradata(),
		},
		maxQueue:   resolveMaxQueueSize(c.MaxQueueSize, c.CodedWidth, c.CodedHeight),
		requireKey: true,
		template: DecoderConfig{
			Codec:       c.Codec,
			MimeType:    cs.Codec.MimeType(),
			Description: c.Description,
			CodedWidth:  c.CodedWidth,
			CodedHeight: c.CodedHeight,
			ColorSpace:  c.ColorSpace,
			Rotation:    c.Rotation,
			Flip:        c.Flip,
		},
		framer: f,
	}
	if c.OptimizeForLatency {
		setup.params.LatencyMode = LatencyModeRealtime
	}
	return d.s.configure(setup)
}

// Decode submits chunk. A chunk built with NewEncodedChunkFromBuffer gives
// its payload to the decoder; other chunks are copied. After a configure or
// a flush the first chunk must be a key chunk.
func (d *VideoDecoder) Decode(chunk *EncodedChunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrValidation)
	}
	return d.s.process(decodeUnit(chunk))
}

func (d *VideoDecoder) deliver(setup *sessionSetup, out *NativeOutput, ts, dur int64, first bool) (func(), error) {
	t := setup.template
	format := out.PixelFormat
	if format == PixelFormatUnknown {
		format = setup.params.PixelFormat
	}
	if len(out.Data) < format.PlaneCount() {
		return nil, fmt.Errorf("%w: decoder produced %d planes for %s", ErrEncoding, len(out.Data), format)
	}
	w, h := out.Width, out.Height
	if w == 0 || h == 0 {
		w, h = t.CodedWidth, t.CodedHeight
	}
	frame := &VideoFrame{
		Data:       out.Data,
		Stride:     out.Stride,
		Width:      w,
		Height:     h,
		Format:     format,
		Timestamp:  ts,
		Duration:   dur,
		ColorSpace: cloneColorSpace(t.ColorSpace),
		Rotation:   t.Rotation,
		Flip:       t.Flip,
	}
	meta := &FrameMetadata{}
	if first {
		meta.Description = describe(setup)
	}
	return func() {
		if d.output != nil {
			d.output(frame, meta)
		}
	}, nil
}

// Flush emits every pending frame. The next chunk must be a key chunk.
func (d *VideoDecoder) Flush(ctx context.Context) error { return d.s.flushSession(ctx) }

// Reset discards pending work and returns to the unconfigured state.
func (d *VideoDecoder) Reset() error {
	d.s.reset(fmt.Errorf("%w: reset", ErrAbort))
	return nil
}

// Close releases the decoder. It is safe to call more than once.
func (d *VideoDecoder) Close() error {
	d.s.close()
	return nil
}

// State returns the lifecycle state.
func (d *VideoDecoder) State() CodecState { return d.s.State() }

// DecodeQueueSize returns the number of chunks submitted and not yet
// output or errored.
func (d *VideoDecoder) DecodeQueueSize() int { return d.s.QueueSize() }

// AudioDecoder decodes encoded chunks into raw audio.
type AudioDecoder struct {
	output func(data *AudioData, meta *FrameMetadata)
	s      *session
}

// NewAudioDecoder creates an unconfigured audio decoder.
func NewAudioDecoder(output func(data *AudioData, meta *FrameMetadata), onError func(err error), opts ...Option) *AudioDecoder {
	d := &AudioDecoder{output: output}
	d.s = newSession(kindAudioDecoder, d.deliver, onError, opts)
	return d
}

// Configure validates cfg and opens a pipeline for it.
func (d *AudioDecoder) Configure(cfg AudioDecoderConfig) error {
	if err := d.s.checkOpen(); err != nil {
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
	f, err := newDecodeFramer(cs.Codec, c.Description)
	if err != nil {
		return fmt.Errorf("%w: description: %v", ErrValidation, err)
	}

	setup := &sessionSetup{
		codec:       cs.Codec,
		codecString: c.Codec,
		key:         PipelineKey{Codec: cs.Codec},
		pref:        preference(HardwareAccelerationNoPreference, d.s.rt),
		params: NativeParams{
			Codec:       cs.Codec,
			SampleRate:  c.SampleRate,
			Channels:    c.Channels,
			AudioFormat: AudioFormatF32,
			Profile:     uint8(cs.ObjectType),
			Timebase:    Microseconds,
			Extradata:   f.nativeExtradata(),
		},
		maxQueue:   resolveMaxQueueSize(c.MaxQueueSize, 0, 0),
		requireKey: true,
		template: DecoderConfig{
			Codec:       c.Codec,
			MimeType:    cs.Codec.MimeType(),
			Description: c.Description,
			SampleRate:  c.SampleRate,
			Channels:    c.Channels,
		},
		framer: f,
	}
	return d.s.configure(setup)
}

// Decode submits chunk. Audio chunks of unknown type count as key chunks.
func (d *AudioDecoder) Decode(chunk *EncodedChunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrValidation)
	}
	return d.s.process(decodeUnit(chunk))
}

func (d *AudioDecoder) deliver(setup *sessionSetup, out *NativeOutput, ts, _ int64, first bool) (func(), error) {
	p := setup.params
	rate, channels, format := out.SampleRate, out.Channels, out.AudioFormat
	if rate == 0 {
		rate = p.SampleRate
	}
	if channels == 0 {
		channels = p.Channels
	}
	if format == AudioFormatUnknown {
		format = p.AudioFormat
	}
	data := out.Data
	var samples []byte
	switch len(data) {
	case 0:
		return nil, fmt.Errorf("%w: empty decoder output", ErrEncoding)
	case 1:
		samples = data[0]
	default:
		n := 0
		for _, plane := range data {
			n += len(plane)
		}
		samples = make([]byte, 0, n)
		for _, plane := range data {
			samples = append(samples, plane...)
		}
	}
	frames := out.Frames
	if frames == 0 && channels > 0 && format.BytesPerSample() > 0 {
		frames = len(samples) / (channels * format.BytesPerSample())
	}
	audio := &AudioData{
		Data:       samples,
		SampleRate: rate,
		Channels:   channels,
		Frames:     frames,
		Format:     format,
		Timestamp:  ts,
	}
	meta := &FrameMetadata{}
	if first {
		meta.Description = describe(setup)
	}
	return func() {
		if d.output != nil {
			d.output(audio, meta)
		}
	}, nil
}

// Flush emits every pending output.
func (d *AudioDecoder) Flush(ctx context.Context) error { return d.s.flushSession(ctx) }

// Reset discards pending work and returns to the unconfigured state.
func (d *AudioDecoder) Reset() error {
	d.s.reset(fmt.Errorf("%w: reset", ErrAbort))
	return nil
}

// Close releases the decoder. It is safe to call more than once.
func (d *AudioDecoder) Close() error {
	d.s.close()
	return nil
}

// State returns the lifecycle state.
func (d *AudioDecoder) State() CodecState { return d.s.State() }

// DecodeQueueSize returns the number of chunks submitted and not yet
// output or errored.
func (d *AudioDecoder) DecodeQueueSize() int { return d.s.QueueSize() }

// decodeUnit builds the work item for one chunk. prepare reframes a
// borrowed view into scratch; the payload is moved out of buffer-backed
// chunks only once the chunk has been admitted, so a rejected chunk keeps
// it.
func decodeUnit(chunk *EncodedChunk) unit {
	return unit{
		sizeHint: len(chunk.Data),
		key: func(setup *sessionSetup) bool {
			setup.framerMu.Lock()
			defer setup.framerMu.Unlock()
			return chunkIsKey(setup.codec, chunk, setup.framer.lengthSize)
		},
		prepare: func(setup *sessionSetup, scratch *Buffer) (NativeInput, error) {
			work := EncodedChunk{
				Type:      chunk.Type,
				Timestamp: chunk.Timestamp,
				Duration:  chunk.Duration,
				Data:      chunk.Data,
				Framing:   chunk.Framing,
			}

			setup.framerMu.Lock()
			defer setup.framerMu.Unlock()
			f := setup.framer
			key := chunkIsKey(f.codec, &work, f.lengthSize)
			if work.Framing == FramingUnknown && len(work.Data) > 0 {
				work.Framing = DetectFraming(f.codec, work.Data, f.lengthSize)
			}
			if err := f.decodeInput(&work, scratch); err != nil {
				return NativeInput{}, err
			}
			payload := scratch.Bytes()
			if key && f.codec.UsesNALUnits() && f.record != nil && work.Framing != FramingAnnexB {
				// Length-prefixed streams carry parameter sets out of band only.
				payload = PrependParameterSets(recordParameterSets(f.record), payload)
			}
			return NativeInput{
				Data:     [][]byte{payload},
				PTS:      work.Timestamp,
				Duration: work.Duration,
				KeyFrame: key,
			}, nil
		},
		admitted: func() {
			chunk.transfer().Release()
		},
	}
}

// chunkIsKey reports whether chunk can start decoding. Chunks of unknown
// type are sniffed from their payload.
func chunkIsKey(codec Codec, chunk *EncodedChunk, lengthSize int) bool {
	switch chunk.Type {
	case ChunkTypeKey:
		return true
	case ChunkTypeDelta:
		return false
	}
	switch codec {
	case CodecAVC, CodecHEVC:
		var nals [][]byte
		var err error
		switch DetectFraming(codec, chunk.Data, lengthSize) {
		case FramingAnnexB:
			nals, err = splitAnnexB(chunk.Data)
		case FramingLengthPrefixed:
			if lengthSize == 0 {
				lengthSize = 4
			}
			nals, err = splitLengthPrefixed(chunk.Data, lengthSize)
		default:
			return false
		}
		return err == nil && containsKeyframe(codec, nals)
	case CodecVP8:
		return isVP8Keyframe(chunk.Data)
	default:
		return true
	}
}

// describe returns the description attached to the first decoded output.
func describe(setup *sessionSetup) []byte {
	setup.framerMu.Lock()
	defer setup.framerMu.Unlock()
	if d := setup.framer.description; d != nil {
		return cloneBytes(d)
	}
	return cloneBytes(setup.template.Description)
}
