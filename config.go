package webcodecs

import (
	"fmt"
	"math"
)

const (
	maxDimension  = 16384
	maxSampleRate = 768000
	maxChannels   = 32
)

// VideoEncoderConfig configures a VideoEncoder.
type VideoEncoderConfig struct {
	Codec  string // RFC 6381 codec string, e.g. "avc1.42E01F"
	Width  int
	Height int

	DisplayWidth  int // 0 means Width
	DisplayHeight int // 0 means Height

	Bitrate              int     // Target bitrate in bits per second, 0 for the engine default
	BitrateMode          BitrateMode
	Framerate            float64 // Frames per second, 0 if unknown
	LatencyMode          LatencyMode
	HardwareAcceleration HardwareAcceleration
	ScalabilityMode      string // "", "L1T1", "L1T2" or "L1T3"

	// PixelFormat of submitted frames; PixelFormatUnknown means I420.
	PixelFormat PixelFormat

	// BitstreamFormat frames H.264/H.265 output.
	BitstreamFormat BitstreamFormat

	ColorSpace *VideoColorSpace

	// MaxQueueSize overrides the resolution-derived queue bound when > 0.
	MaxQueueSize int
}

// Validate checks field ranges and enum membership.
func (c *VideoEncoderConfig) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("%w: codec is required", ErrValidation)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width > maxDimension || c.Height > maxDimension {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrValidation, c.Width, c.Height)
	}
	if err := validateDisplaySize(c.DisplayWidth, c.DisplayHeight); err != nil {
		return err
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("%w: negative bitrate %d", ErrValidation, c.Bitrate)
	}
	if c.Framerate < 0 || math.IsNaN(c.Framerate) || math.IsInf(c.Framerate, 0) {
		return fmt.Errorf("%w: invalid framerate %v", ErrValidation, c.Framerate)
	}
	if c.BitrateMode < BitrateModeVariable || c.BitrateMode > BitrateModeQuantizer {
		return fmt.Errorf("%w: invalid bitrate mode %d", ErrValidation, c.BitrateMode)
	}
	if c.LatencyMode < LatencyModeQuality || c.LatencyMode > LatencyModeRealtime {
		return fmt.Errorf("%w: invalid latency mode %d", ErrValidation, c.LatencyMode)
	}
	if err := validateAcceleration(c.HardwareAcceleration); err != nil {
		return err
	}
	if c.PixelFormat < PixelFormatUnknown || c.PixelFormat > PixelFormatBGRA {
		return fmt.Errorf("%w: invalid pixel format %d", ErrValidation, c.PixelFormat)
	}
	if c.BitstreamFormat < BitstreamFormatLengthPrefixed || c.BitstreamFormat > BitstreamFormatAnnexB {
		return fmt.Errorf("%w: invalid bitstream format %d", ErrValidation, c.BitstreamFormat)
	}
	if _, err := temporalLayers(c.ScalabilityMode); err != nil {
		return err
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: negative max queue size", ErrValidation)
	}
	return nil
}

// Clone returns a deep copy.
func (c *VideoEncoderConfig) Clone() *VideoEncoderConfig {
	clone := *c
	clone.ColorSpace = cloneColorSpace(c.ColorSpace)
	return &clone
}

// VideoDecoderConfig configures a VideoDecoder.
type VideoDecoderConfig struct {
	Codec string

	// Description is the avcC/hvcC record for length-prefixed H.264/H.265
	// input. Without it the decoder expects Annex B.
	Description []byte

	CodedWidth    int // 0 if unknown
	CodedHeight   int
	DisplayWidth  int
	DisplayHeight int

	ColorSpace           *VideoColorSpace
	Rotation             int
	Flip                 bool
	HardwareAcceleration HardwareAcceleration
	OptimizeForLatency   bool

	MaxQueueSize int
}

// Validate checks field ranges and enum membership.
func (c *VideoDecoderConfig) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("%w: codec is required", ErrValidation)
	}
	if (c.CodedWidth == 0) != (c.CodedHeight == 0) {
		return fmt.Errorf("%w: coded width and height must be set together", ErrValidation)
	}
	if c.CodedWidth < 0 || c.CodedHeight < 0 || c.CodedWidth > maxDimension || c.CodedHeight > maxDimension {
		return fmt.Errorf("%w: invalid coded size %dx%d", ErrValidation, c.CodedWidth, c.CodedHeight)
	}
	if err := validateDisplaySize(c.DisplayWidth, c.DisplayHeight); err != nil {
		return err
	}
	if err := validateRotation(c.Rotation); err != nil {
		return err
	}
	if err := validateAcceleration(c.HardwareAcceleration); err != nil {
		return err
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: negative max queue size", ErrValidation)
	}
	return nil
}

// Clone returns a deep copy.
func (c *VideoDecoderConfig) Clone() *VideoDecoderConfig {
	clone := *c
	clone.Description = cloneBytes(c.Description)
	clone.ColorSpace = cloneColorSpace(c.ColorSpace)
	return &clone
}

// AudioEncoderConfig configures an AudioEncoder.
type AudioEncoderConfig struct {
	Codec       string // "mp4a.40.2", "opus", ...
	SampleRate  int
	Channels    int
	Bitrate     int
	BitrateMode BitrateMode

	// SampleFormat of submitted audio; AudioFormatUnknown means F32.
	SampleFormat AudioFormat

	// AACFormat frames AAC output.
	AACFormat AACFormat

	MaxQueueSize int
}

// Validate checks field ranges and enum membership.
func (c *AudioEncoderConfig) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("%w: codec is required", ErrValidation)
	}
	if err := validateAudioLayout(c.SampleRate, c.Channels); err != nil {
		return err
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("%w: negative bitrate %d", ErrValidation, c.Bitrate)
	}
	if c.BitrateMode < BitrateModeVariable || c.BitrateMode > BitrateModeConstant {
		return fmt.Errorf("%w: invalid audio bitrate mode %d", ErrValidation, c.BitrateMode)
	}
	if c.SampleFormat < AudioFormatUnknown || c.SampleFormat > AudioFormatF32Planar {
		return fmt.Errorf("%w: invalid sample format %d", ErrValidation, c.SampleFormat)
	}
	if c.AACFormat < AACFormatRaw || c.AACFormat > AACFormatADTS {
		return fmt.Errorf("%w: invalid AAC format %d", ErrValidation, c.AACFormat)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: negative max queue size", ErrValidation)
	}
	return nil
}

// Clone returns a copy.
func (c *AudioEncoderConfig) Clone() *AudioEncoderConfig {
	clone := *c
	return &clone
}

// AudioDecoderConfig configures an AudioDecoder.
type AudioDecoderConfig struct {
	Codec      string
	SampleRate int
	Channels   int

	// Description is the AudioSpecificConfig for raw AAC input. Without it
	// the decoder expects ADTS.
	Description []byte

	MaxQueueSize int
}

// Validate checks field ranges.
func (c *AudioDecoderConfig) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("%w: codec is required", ErrValidation)
	}
	if err := validateAudioLayout(c.SampleRate, c.Channels); err != nil {
		return err
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: negative max queue size", ErrValidation)
	}
	return nil
}

// Clone returns a deep copy.
func (c *AudioDecoderConfig) Clone() *AudioDecoderConfig {
	clone := *c
	clone.Description = cloneBytes(c.Description)
	return &clone
}

func validateDisplaySize(w, h int) error {
	if (w == 0) != (h == 0) || w < 0 || h < 0 {
		return fmt.Errorf("%w: invalid display size %dx%d", ErrValidation, w, h)
	}
	return nil
}

func validateRotation(r int) error {
	switch r {
	case 0, 90, 180, 270:
		return nil
	default:
		return fmt.Errorf("%w: rotation must be 0, 90, 180 or 270, got %d", ErrValidation, r)
	}
}

func validateAcceleration(h HardwareAcceleration) error {
	if h < HardwareAccelerationNoPreference || h > HardwareAccelerationPreferSoftware {
		return fmt.Errorf("%w: invalid hardware acceleration %d", ErrValidation, h)
	}
	return nil
}

func validateAudioLayout(rate, channels int) error {
	if rate <= 0 || rate > maxSampleRate {
		return fmt.Errorf("%w: invalid sample rate %d", ErrValidation, rate)
	}
	if channels <= 0 || channels > maxChannels {
		return fmt.Errorf("%w: invalid channel count %d", ErrValidation, channels)
	}
	return nil
}

// temporalLayers returns the temporal layer count of an L1Tn scalability
// mode.
func temporalLayers(mode string) (int, error) {
	switch mode {
	case "", "L1T1":
		return 1, nil
	case "L1T2":
		return 2, nil
	case "L1T3":
		return 3, nil
	default:
		return 0, fmt.Errorf("%w: unsupported scalability mode %q", ErrValidation, mode)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneColorSpace(cs *VideoColorSpace) *VideoColorSpace {
	if cs == nil {
		return nil
	}
	c := *cs
	return &c
}

// Default queue bounds. Larger pictures get shallower queues to cap peak
// memory held by in-flight frames.
const (
	queueSizeUnknown = 100
	queueSize720p    = 50
	queueSize1080p   = 30
	queueSize4K      = 10
	queueSize8K      = 4
)

// defaultMaxQueueSize returns the queue bound for a picture size; 0
// dimensions mean unknown.
func defaultMaxQueueSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return queueSizeUnknown
	}
	switch px := width * height; {
	case px <= 1280*720:
		return queueSize720p
	case px <= 1920*1080:
		return queueSize1080p
	case px <= 3840*2160:
		return queueSize4K
	default:
		return queueSize8K
	}
}

func resolveMaxQueueSize(override, width, height int) int {
	if override > 0 {
		return override
	}
	return defaultMaxQueueSize(width, height)
}

// ConfigSupport is the answer to a configuration support query.
type ConfigSupport[C any] struct {
	Supported bool
	Config    C // Normalized copy of the queried configuration
}

// parseSessionCodec parses a codec string and checks it belongs to the
// wanted media type.
func parseSessionCodec(s string, video bool) (CodecString, error) {
	cs, err := ParseCodecString(s)
	if err != nil {
		return CodecString{}, err
	}
	if video && !cs.Codec.IsVideo() || !video && !cs.Codec.IsAudio() {
		return CodecString{}, fmt.Errorf("%w: %s is not a %s codec", ErrNotSupported, s, mediaKind(video))
	}
	return cs, nil
}

func mediaKind(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}

// opusSampleRates are the rates Opus encodes natively.
var opusSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// checkAudioCodecLayout reports whether codec can carry the layout.
func checkAudioCodecLayout(cs CodecString, rate, channels int) error {
	switch cs.Codec {
	case CodecOpus:
		if !opusSampleRates[rate] || channels > 8 {
			return fmt.Errorf("%w: opus cannot carry %d Hz x %d", ErrNotSupported, rate, channels)
		}
	case CodecAAC:
		if aacSampleRateIndex(rate) == aacExplicitRateIndex || aacChannelConfig(channels) == 0 {
			return fmt.Errorf("%w: AAC cannot carry %d Hz x %d", ErrNotSupported, rate, channels)
		}
	}
	return nil
}

// IsVideoEncoderConfigSupported reports whether cfg can be configured. It
// fails only when cfg is malformed.
func IsVideoEncoderConfigSupported(cfg VideoEncoderConfig) (ConfigSupport[VideoEncoderConfig], error) {
	if err := cfg.Validate(); err != nil {
		return ConfigSupport[VideoEncoderConfig]{}, err
	}
	norm := cfg.Clone()
	if norm.PixelFormat == PixelFormatUnknown {
		norm.PixelFormat = PixelFormatI420
	}
	cs, err := parseSessionCodec(cfg.Codec, true)
	supported := err == nil
	if supported && cs.Codec.UsesNALUnits() && (cfg.Width%2 != 0 || cfg.Height%2 != 0) {
		supported = false
	}
	return ConfigSupport[VideoEncoderConfig]{Supported: supported, Config: *norm}, nil
}

// IsVideoDecoderConfigSupported reports whether cfg can be configured.
func IsVideoDecoderConfigSupported(cfg VideoDecoderConfig) (ConfigSupport[VideoDecoderConfig], error) {
	if err := cfg.Validate(); err != nil {
		return ConfigSupport[VideoDecoderConfig]{}, err
	}
	norm := cfg.Clone()
	cs, err := parseSessionCodec(cfg.Codec, true)
	supported := err == nil
	if supported && len(cfg.Description) > 0 && cs.Codec.UsesNALUnits() {
		if _, err := ParseConfigRecord(cs.Codec, cfg.Description); err != nil {
			supported = false
		}
	}
	return ConfigSupport[VideoDecoderConfig]{Supported: supported, Config: *norm}, nil
}

// IsAudioEncoderConfigSupported reports whether cfg can be configured.
func IsAudioEncoderConfigSupported(cfg AudioEncoderConfig) (ConfigSupport[AudioEncoderConfig], error) {
	if err := cfg.Validate(); err != nil {
		return ConfigSupport[AudioEncoderConfig]{}, err
	}
	norm := cfg.Clone()
	if norm.SampleFormat == AudioFormatUnknown {
		norm.SampleFormat = AudioFormatF32
	}
	cs, err := parseSessionCodec(cfg.Codec, false)
	supported := err == nil && checkAudioCodecLayout(cs, cfg.SampleRate, cfg.Channels) == nil
	return ConfigSupport[AudioEncoderConfig]{Supported: supported, Config: *norm}, nil
}

// IsAudioDecoderConfigSupported reports whether cfg can be configured.
func IsAudioDecoderConfigSupported(cfg AudioDecoderConfig) (ConfigSupport[AudioDecoderConfig], error) {
	if err := cfg.Validate(); err != nil {
		return ConfigSupport[AudioDecoderConfig]{}, err
	}
	norm := cfg.Clone()
	cs, err := parseSessionCodec(cfg.Codec, false)
	supported := err == nil
	if supported && cs.Codec == CodecAAC && len(cfg.Description) > 0 {
		if _, err := ParseAudioSpecificConfig(cfg.Description); err != nil {
			supported = false
		}
	}
	return ConfigSupport[AudioDecoderConfig]{Supported: supported, Config: *norm}, nil
}
