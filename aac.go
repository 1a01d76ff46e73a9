package webcodecs

import "fmt"

// AudioObjectType is an MPEG-4 audio object type (ISO/IEC 14496-3 1.5.1.1).
type AudioObjectType uint8

const (
	AudioObjectTypeAACMain AudioObjectType = 1
	AudioObjectTypeAACLC   AudioObjectType = 2
	AudioObjectTypeAACSSR  AudioObjectType = 3
	AudioObjectTypeAACLTP  AudioObjectType = 4
	AudioObjectTypeSBR     AudioObjectType = 5 // HE-AAC
	AudioObjectTypeERAACLD AudioObjectType = 23
	AudioObjectTypePS      AudioObjectType = 29 // HE-AAC v2
	AudioObjectTypeERELD   AudioObjectType = 39
	AudioObjectTypeUSAC    AudioObjectType = 42
)

func (t AudioObjectType) String() string {
	switch t {
	case AudioObjectTypeAACMain:
		return "AAC Main"
	case AudioObjectTypeAACLC:
		return "AAC LC"
	case AudioObjectTypeAACSSR:
		return "AAC SSR"
	case AudioObjectTypeAACLTP:
		return "AAC LTP"
	case AudioObjectTypeSBR:
		return "HE-AAC"
	case AudioObjectTypeERAACLD:
		return "AAC LD"
	case AudioObjectTypePS:
		return "HE-AACv2"
	case AudioObjectTypeERELD:
		return "AAC ELD"
	case AudioObjectTypeUSAC:
		return "USAC"
	default:
		return fmt.Sprintf("AOT %d", uint8(t))
	}
}

// AAC sampling frequency index table (ISO/IEC 14496-3 1.6.3.4).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const aacExplicitRateIndex = 15

// aacSampleRateIndex returns the table index of rate, or 15 when the rate
// must be coded explicitly.
func aacSampleRateIndex(rate int) uint8 {
	for i, r := range aacSampleRates {
		if r == rate {
			return uint8(i)
		}
	}
	return aacExplicitRateIndex
}

// aacChannelCount maps channel_configuration to a channel count; 0 means the
// layout is given by a program config element.
func aacChannelCount(cfg uint8) int {
	switch {
	case cfg >= 1 && cfg <= 6:
		return int(cfg)
	case cfg == 7:
		return 8
	default:
		return 0
	}
}

func aacChannelConfig(channels int) uint8 {
	switch {
	case channels >= 1 && channels <= 6:
		return uint8(channels)
	case channels == 8:
		return 7
	default:
		return 0
	}
}

// AudioSpecificConfig is the MPEG-4 AudioSpecificConfig, the description of
// raw AAC streams.
type AudioSpecificConfig struct {
	ObjectType      AudioObjectType
	SampleRateIndex uint8
	SampleRate      int
	ChannelConfig   uint8

	// Explicit SBR/PS signalling, present when ObjectType is 5 or 29.
	ExtensionSampleRateIndex uint8
	ExtensionSampleRate      int
	CoreObjectType           AudioObjectType

	rest     []byte // bits after the parsed header, MSB first
	restBits int
}

// NewAudioSpecificConfig returns a config for the given object type, sample
// rate and channel count.
func NewAudioSpecificConfig(ot AudioObjectType, sampleRate, channels int) *AudioSpecificConfig {
	return &AudioSpecificConfig{
		ObjectType:      ot,
		SampleRateIndex: aacSampleRateIndex(sampleRate),
		SampleRate:      sampleRate,
		ChannelConfig:   aacChannelConfig(channels),
	}
}

func (c *AudioSpecificConfig) hasExtension() bool {
	return c.ObjectType == AudioObjectTypeSBR || c.ObjectType == AudioObjectTypePS
}

// Channels returns the channel count, 0 if defined by a PCE.
func (c *AudioSpecificConfig) Channels() int {
	return aacChannelCount(c.ChannelConfig)
}

// OutputSampleRate returns the decoded sample rate, which differs from
// SampleRate when SBR is signalled explicitly.
func (c *AudioSpecificConfig) OutputSampleRate() int {
	if c.hasExtension() && c.ExtensionSampleRate > 0 {
		return c.ExtensionSampleRate
	}
	return c.SampleRate
}

// Codec implements ConfigRecord.
func (c *AudioSpecificConfig) Codec() Codec { return CodecAAC }

// CodecString returns the RFC 6381 codec string, e.g. "mp4a.40.2".
func (c *AudioSpecificConfig) CodecString() string {
	return CodecString{Codec: CodecAAC, Tag: "mp4a", ObjectType: c.ObjectType}.String()
}

func readAudioObjectType(br *bitReader) AudioObjectType {
	ot := br.readBits(5)
	if ot == 31 {
		ot = 32 + br.readBits(6)
	}
	return AudioObjectType(ot)
}

// encodableObjectType reports whether ot has a bitstream form: 31 is the
// escape code and the escape reaches 95.
func encodableObjectType(ot AudioObjectType) bool {
	return ot != 31 && ot <= 95
}

func writeAudioObjectType(bw *bitWriter, ot AudioObjectType) {
	if ot >= 31 {
		bw.writeBits(31, 5)
		bw.writeBits(uint(ot-32), 6)
		return
	}
	bw.writeBits(uint(ot), 5)
}

func readSamplingFrequency(br *bitReader) (uint8, int, error) {
	idx := uint8(br.readBits(4))
	if idx == aacExplicitRateIndex {
		rate := int(br.readBits(24))
		if rate == 0 && br.err == nil {
			return 0, 0, fmt.Errorf("%w: explicit AAC sample rate of zero", ErrData)
		}
		return idx, rate, nil
	}
	if int(idx) >= len(aacSampleRates) {
		return 0, 0, fmt.Errorf("%w: reserved AAC sample rate index %d", ErrData, idx)
	}
	return idx, aacSampleRates[idx], nil
}

func writeSamplingFrequency(bw *bitWriter, idx uint8, rate int) {
	bw.writeBits(uint(idx), 4)
	if idx == aacExplicitRateIndex {
		bw.writeBits(uint(rate), 24)
	}
}

// ParseAudioSpecificConfig decodes an AudioSpecificConfig. Bits after the
// fields it understands are kept so Marshal reproduces the input.
func ParseAudioSpecificConfig(b []byte) (*AudioSpecificConfig, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: AudioSpecificConfig of %d bytes", ErrData, len(b))
	}
	br := newBitReader(b)
	c := &AudioSpecificConfig{ObjectType: readAudioObjectType(br)}
	if c.ObjectType == 0 {
		return nil, fmt.Errorf("%w: AAC object type 0", ErrData)
	}
	var err error
	if c.SampleRateIndex, c.SampleRate, err = readSamplingFrequency(br); err != nil {
		return nil, err
	}
	c.ChannelConfig = uint8(br.readBits(4))
	if c.hasExtension() {
		if c.ExtensionSampleRateIndex, c.ExtensionSampleRate, err = readSamplingFrequency(br); err != nil {
			return nil, err
		}
		c.CoreObjectType = readAudioObjectType(br)
	}
	if br.err != nil {
		return nil, br.err
	}
	c.restBits = br.remaining()
	var rest bitWriter
	for i := 0; i < c.restBits; i++ {
		rest.writeBits(br.readBit(), 1)
	}
	c.rest = rest.bytes()
	return c, nil
}

// Marshal encodes the config, padding to a byte boundary with zero bits.
func (c *AudioSpecificConfig) Marshal() ([]byte, error) {
	if !encodableObjectType(c.ObjectType) || c.ObjectType == 0 {
		return nil, fmt.Errorf("%w: AAC object type %d", ErrValidation, c.ObjectType)
	}
	if c.hasExtension() && !encodableObjectType(c.CoreObjectType) {
		return nil, fmt.Errorf("%w: AAC core object type %d", ErrValidation, c.CoreObjectType)
	}
	if c.SampleRateIndex > aacExplicitRateIndex || (c.SampleRateIndex != aacExplicitRateIndex && int(c.SampleRateIndex) >= len(aacSampleRates)) {
		return nil, fmt.Errorf("%w: AAC sample rate index %d", ErrValidation, c.SampleRateIndex)
	}
	var bw bitWriter
	writeAudioObjectType(&bw, c.ObjectType)
	writeSamplingFrequency(&bw, c.SampleRateIndex, c.SampleRate)
	bw.writeBits(uint(c.ChannelConfig), 4)
	if c.hasExtension() {
		writeSamplingFrequency(&bw, c.ExtensionSampleRateIndex, c.ExtensionSampleRate)
		writeAudioObjectType(&bw, c.CoreObjectType)
	}
	bw.writeFrom(c.rest, c.restBits)
	for bw.nbits%8 != 0 {
		bw.writeBits(0, 1)
	}
	return bw.bytes(), nil
}

// ADTSHeader is the fixed and variable header of an ADTS frame
// (ISO/IEC 13818-7 6.2).
type ADTSHeader struct {
	MPEG2            bool // ID bit: true for MPEG-2, false for MPEG-4
	ProtectionAbsent bool
	Profile          uint8 // object type minus one
	SampleRateIndex  uint8
	ChannelConfig    uint8
	FrameLength      int // header and payload
	BufferFullness   uint16
	RawBlocks        uint8 // number_of_raw_data_blocks_in_frame
	CRC              uint16
}

const (
	adtsHeaderSize    = 7
	adtsHeaderSizeCRC = 9
	adtsMaxFrameSize  = 1<<13 - 1
)

// HeaderSize returns 7, or 9 when a CRC is present.
func (h ADTSHeader) HeaderSize() int {
	if h.ProtectionAbsent {
		return adtsHeaderSize
	}
	return adtsHeaderSizeCRC
}

// SampleRate returns the sample rate signalled by the header.
func (h ADTSHeader) SampleRate() int {
	if int(h.SampleRateIndex) < len(aacSampleRates) {
		return aacSampleRates[h.SampleRateIndex]
	}
	return 0
}

// AudioSpecificConfig returns the equivalent out-of-band description.
func (h ADTSHeader) AudioSpecificConfig() *AudioSpecificConfig {
	return &AudioSpecificConfig{
		ObjectType:      AudioObjectType(h.Profile + 1),
		SampleRateIndex: h.SampleRateIndex,
		SampleRate:      h.SampleRate(),
		ChannelConfig:   h.ChannelConfig,
	}
}

// ParseADTSHeader decodes the header at the start of b.
func ParseADTSHeader(b []byte) (ADTSHeader, error) {
	if len(b) < adtsHeaderSize {
		return ADTSHeader{}, fmt.Errorf("%w: ADTS header needs %d bytes, have %d", ErrData, adtsHeaderSize, len(b))
	}
	if b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return ADTSHeader{}, fmt.Errorf("%w: missing ADTS syncword", ErrData)
	}
	h := ADTSHeader{
		MPEG2:            b[1]&0x08 != 0,
		ProtectionAbsent: b[1]&0x01 != 0,
		Profile:          b[2] >> 6,
		SampleRateIndex:  (b[2] >> 2) & 0x0F,
		ChannelConfig:    (b[2]&0x01)<<2 | b[3]>>6,
		FrameLength:      int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5),
		BufferFullness:   uint16(b[5]&0x1F)<<6 | uint16(b[6]>>2),
		RawBlocks:        b[6] & 0x03,
	}
	if int(h.SampleRateIndex) >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: ADTS sample rate index %d", ErrData, h.SampleRateIndex)
	}
	if !h.ProtectionAbsent {
		if len(b) < adtsHeaderSizeCRC {
			return ADTSHeader{}, fmt.Errorf("%w: ADTS CRC truncated", ErrData)
		}
		h.CRC = uint16(b[7])<<8 | uint16(b[8])
	}
	if h.FrameLength < h.HeaderSize() {
		return ADTSHeader{}, fmt.Errorf("%w: ADTS frame length %d shorter than header", ErrData, h.FrameLength)
	}
	return h, nil
}

// StripADTS removes the ADTS header from a single frame. The declared frame
// length must match len(frame).
func StripADTS(frame []byte) ([]byte, ADTSHeader, error) {
	h, err := ParseADTSHeader(frame)
	if err != nil {
		return nil, ADTSHeader{}, err
	}
	if h.FrameLength != len(frame) {
		return nil, ADTSHeader{}, fmt.Errorf("%w: ADTS frame length %d, have %d bytes", ErrData, h.FrameLength, len(frame))
	}
	return frame[h.HeaderSize():], h, nil
}

// SplitADTS splits a stream of back-to-back ADTS frames.
func SplitADTS(stream []byte) ([][]byte, error) {
	var frames [][]byte
	for off := 0; off < len(stream); {
		h, err := ParseADTSHeader(stream[off:])
		if err != nil {
			return nil, fmt.Errorf("frame at offset %d: %w", off, err)
		}
		if h.FrameLength > len(stream)-off {
			return nil, fmt.Errorf("%w: ADTS frame at offset %d truncated", ErrData, off)
		}
		frames = append(frames, stream[off:off+h.FrameLength])
		off += h.FrameLength
	}
	return frames, nil
}

// WrapADTS prepends a 7-byte ADTS header describing raw to a raw AAC frame.
// The header always has protection_absent set and carries no CRC, so it
// describes one raw data block per frame.
func WrapADTS(raw []byte, cfg *AudioSpecificConfig) ([]byte, error) {
	ot, idx := cfg.ObjectType, cfg.SampleRateIndex
	if cfg.hasExtension() {
		ot = cfg.CoreObjectType
	}
	if ot < AudioObjectTypeAACMain || ot > AudioObjectTypeAACLTP {
		return nil, fmt.Errorf("%w: object type %s cannot be carried in ADTS", ErrData, ot)
	}
	if int(idx) >= len(aacSampleRates) {
		return nil, fmt.Errorf("%w: sample rate %d cannot be carried in ADTS", ErrData, cfg.SampleRate)
	}
	if cfg.ChannelConfig == 0 || cfg.ChannelConfig > 7 {
		return nil, fmt.Errorf("%w: channel configuration %d cannot be carried in ADTS", ErrData, cfg.ChannelConfig)
	}
	n := len(raw) + adtsHeaderSize
	if n > adtsMaxFrameSize {
		return nil, fmt.Errorf("%w: ADTS frame of %d bytes exceeds %d", ErrData, n, adtsMaxFrameSize)
	}
	ch := cfg.ChannelConfig
	out := make([]byte, adtsHeaderSize, n)
	out[0] = 0xFF
	out[1] = 0xF1 // MPEG-4, layer 0, no CRC
	out[2] = byte(ot-1)<<6 | idx<<2 | (ch>>2)&0x01
	out[3] = (ch&0x03)<<6 | byte(n>>11)&0x03
	out[4] = byte(n >> 3)
	out[5] = byte(n&0x07)<<5 | 0x1F
	out[6] = 0xFC
	return append(out, raw...), nil
}
