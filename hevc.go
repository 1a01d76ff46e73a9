package webcodecs

import (
	"fmt"
	"math/bits"
	"strings"
)

// HEVCConfig is an HEVCDecoderConfigurationRecord (ISO/IEC 14496-15
// 8.3.3.1), the "hvcC" description of length-prefixed H.265.
type HEVCConfig struct {
	ConfigurationVersion             uint8
	GeneralProfileSpace              uint8
	GeneralTierFlag                  bool
	GeneralProfileIDC                uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64 // 48 bits
	GeneralLevelIDC                  uint8
	MinSpatialSegmentationIDC        uint16
	ParallelismType                  uint8
	ChromaFormat                     uint8
	BitDepthLumaMinus8               uint8
	BitDepthChromaMinus8             uint8
	AvgFrameRate                     uint16
	ConstantFrameRate                uint8
	NumTemporalLayers                uint8
	TemporalIDNested                 bool
	LengthSize                       int
	Arrays                           []HEVCNALArray

	reserved hevcReserved
	trailing []byte
}

// HEVCNALArray is one typed array of NAL units in an hvcC record.
type HEVCNALArray struct {
	Complete bool
	Type     NALType
	NALUs    [][]byte

	reservedBit byte
}

type hevcReserved struct {
	set                           bool
	segmentation, parallelism     byte
	chroma, luma, chromaBitDepths byte
}

func (r hevcReserved) or(field, def byte) byte {
	if r.set {
		return field
	}
	return def
}

const hevcConfigHeaderSize = 23

// ParseHEVCConfig decodes an hvcC record.
func ParseHEVCConfig(b []byte) (*HEVCConfig, error) {
	if len(b) < hevcConfigHeaderSize {
		return nil, fmt.Errorf("%w: hvcC record of %d bytes is truncated", ErrData, len(b))
	}
	if b[0] != 1 {
		return nil, fmt.Errorf("%w: hvcC configuration version %d", ErrData, b[0])
	}
	c := &HEVCConfig{
		ConfigurationVersion:             b[0],
		GeneralProfileSpace:              b[1] >> 6,
		GeneralTierFlag:                  b[1]&0x20 != 0,
		GeneralProfileIDC:                b[1] & 0x1F,
		GeneralProfileCompatibilityFlags: uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		GeneralLevelIDC:                  b[12],
		MinSpatialSegmentationIDC:        uint16(b[13]&0x0F)<<8 | uint16(b[14]),
		ParallelismType:                  b[15] & 0x03,
		ChromaFormat:                     b[16] & 0x03,
		BitDepthLumaMinus8:               b[17] & 0x07,
		BitDepthChromaMinus8:             b[18] & 0x07,
		AvgFrameRate:                     uint16(b[19])<<8 | uint16(b[20]),
		ConstantFrameRate:                b[21] >> 6,
		NumTemporalLayers:                (b[21] >> 3) & 0x07,
		TemporalIDNested:                 b[21]&0x04 != 0,
		LengthSize:                       int(b[21]&0x03) + 1,
		reserved: hevcReserved{
			set:             true,
			segmentation:    b[13] & 0xF0,
			parallelism:     b[15] & 0xFC,
			chroma:          b[16] & 0xFC,
			luma:            b[17] & 0xF8,
			chromaBitDepths: b[18] & 0xF8,
		},
	}
	for i := 6; i < 12; i++ {
		c.GeneralConstraintIndicatorFlags = c.GeneralConstraintIndicatorFlags<<8 | uint64(b[i])
	}
	if c.LengthSize == 3 {
		return nil, fmt.Errorf("%w: hvcC NAL length size 3", ErrData)
	}

	numArrays := int(b[22])
	off := hevcConfigHeaderSize
	c.Arrays = make([]HEVCNALArray, 0, numArrays)
	for i := 0; i < numArrays; i++ {
		if len(b)-off < 3 {
			return nil, fmt.Errorf("%w: hvcC array %d header truncated", ErrData, i)
		}
		arr := HEVCNALArray{
			Complete:    b[off]&0x80 != 0,
			reservedBit: b[off] & 0x40,
			Type:        NALType(b[off] & 0x3F),
		}
		count := int(b[off+1])<<8 | int(b[off+2])
		var err error
		if arr.NALUs, off, err = readParameterSetArray(b, off+3, count); err != nil {
			return nil, err
		}
		c.Arrays = append(c.Arrays, arr)
	}
	if off < len(b) {
		c.trailing = append([]byte(nil), b[off:]...)
	}
	return c, nil
}

// Codec implements ConfigRecord.
func (c *HEVCConfig) Codec() Codec { return CodecHEVC }

// Marshal encodes the record.
func (c *HEVCConfig) Marshal() ([]byte, error) {
	if err := checkLengthSize(c.LengthSize); err != nil {
		return nil, err
	}
	if len(c.Arrays) > 255 {
		return nil, fmt.Errorf("%w: %d NAL arrays", ErrValidation, len(c.Arrays))
	}
	version := c.ConfigurationVersion
	if version == 0 {
		version = 1
	}
	r := c.reserved
	out := make([]byte, 0, 64)
	b1 := c.GeneralProfileSpace<<6 | c.GeneralProfileIDC&0x1F
	if c.GeneralTierFlag {
		b1 |= 0x20
	}
	f := c.GeneralProfileCompatibilityFlags
	out = append(out, version, b1, byte(f>>24), byte(f>>16), byte(f>>8), byte(f))
	for i := 5; i >= 0; i-- {
		out = append(out, byte(c.GeneralConstraintIndicatorFlags>>(8*uint(i))))
	}
	b21 := c.ConstantFrameRate<<6 | (c.NumTemporalLayers&0x07)<<3 | byte(c.LengthSize-1)
	if c.TemporalIDNested {
		b21 |= 0x04
	}
	out = append(out,
		c.GeneralLevelIDC,
		r.or(r.segmentation, 0xF0)|byte(c.MinSpatialSegmentationIDC>>8)&0x0F,
		byte(c.MinSpatialSegmentationIDC),
		r.or(r.parallelism, 0xFC)|c.ParallelismType&0x03,
		r.or(r.chroma, 0xFC)|c.ChromaFormat&0x03,
		r.or(r.luma, 0xF8)|c.BitDepthLumaMinus8&0x07,
		r.or(r.chromaBitDepths, 0xF8)|c.BitDepthChromaMinus8&0x07,
		byte(c.AvgFrameRate>>8), byte(c.AvgFrameRate),
		b21,
		byte(len(c.Arrays)),
	)
	for _, arr := range c.Arrays {
		if len(arr.NALUs) > 0xFFFF {
			return nil, fmt.Errorf("%w: %d NAL units in one array", ErrValidation, len(arr.NALUs))
		}
		h := arr.reservedBit | byte(arr.Type)&0x3F
		if arr.Complete {
			h |= 0x80
		}
		out = append(out, h, byte(len(arr.NALUs)>>8), byte(len(arr.NALUs)))
		var err error
		if out, err = appendParameterSetArray(out, arr.NALUs); err != nil {
			return nil, err
		}
	}
	return append(out, c.trailing...), nil
}

// ParameterSets returns the VPS, SPS and PPS arrays of the record.
func (c *HEVCConfig) ParameterSets() ParameterSets {
	ps := ParameterSets{Codec: CodecHEVC}
	for _, arr := range c.Arrays {
		if !isParameterSetType(CodecHEVC, arr.Type) {
			continue
		}
		for _, nal := range arr.NALUs {
			ps.add(arr.Type, nal)
		}
	}
	return ps
}

// CodecString returns the RFC 6381 codec string, e.g. "hvc1.1.6.L93.B0".
func (c *HEVCConfig) CodecString() string {
	var sb strings.Builder
	sb.WriteString("hvc1.")
	if c.GeneralProfileSpace > 0 {
		sb.WriteByte('A' + c.GeneralProfileSpace - 1)
	}
	fmt.Fprintf(&sb, "%d.%X.", c.GeneralProfileIDC, bits.Reverse32(c.GeneralProfileCompatibilityFlags))
	if c.GeneralTierFlag {
		sb.WriteByte('H')
	} else {
		sb.WriteByte('L')
	}
	fmt.Fprintf(&sb, "%d", c.GeneralLevelIDC)
	constraint := make([]byte, 6)
	for i := range constraint {
		constraint[i] = byte(c.GeneralConstraintIndicatorFlags >> (8 * uint(5-i)))
	}
	n := len(constraint)
	for n > 0 && constraint[n-1] == 0 {
		n--
	}
	for _, b := range constraint[:n] {
		fmt.Fprintf(&sb, ".%X", b)
	}
	return sb.String()
}

// SynthesizeHEVCConfig builds an hvcC record with 4-byte NAL lengths from
// parameter sets found in band.
func SynthesizeHEVCConfig(ps ParameterSets) (*HEVCConfig, error) {
	if !ps.Complete() || ps.Codec != CodecHEVC {
		return nil, fmt.Errorf("%w: VPS, SPS and PPS required to build hvcC", ErrData)
	}
	info, err := ParseHEVCSPS(ps.Sets[HEVCNALSPS][0])
	if err != nil {
		return nil, err
	}
	c := &HEVCConfig{
		ConfigurationVersion:             1,
		GeneralProfileSpace:              info.ProfileSpace,
		GeneralTierFlag:                  info.Tier,
		GeneralProfileIDC:                info.ProfileIDC,
		GeneralProfileCompatibilityFlags: info.CompatibilityFlags,
		GeneralConstraintIndicatorFlags:  info.ConstraintFlags,
		GeneralLevelIDC:                  info.LevelIDC,
		ChromaFormat:                     uint8(info.ChromaFormat),
		BitDepthLumaMinus8:               uint8(info.BitDepthLuma - 8),
		BitDepthChromaMinus8:             uint8(info.BitDepthChroma - 8),
		NumTemporalLayers:                info.MaxSubLayers,
		TemporalIDNested:                 info.TemporalIDNested,
		LengthSize:                       4,
	}
	for _, t := range ps.order() {
		c.Arrays = append(c.Arrays, HEVCNALArray{Complete: true, Type: t, NALUs: ps.Sets[t]})
	}
	return c, nil
}

// HEVCSPSInfo holds the fields of an H.265 SPS the runtime uses.
type HEVCSPSInfo struct {
	MaxSubLayers       uint8
	TemporalIDNested   bool
	ProfileSpace       uint8
	Tier               bool
	ProfileIDC         uint8
	CompatibilityFlags uint32
	ConstraintFlags    uint64
	LevelIDC           uint8
	ChromaFormat       int
	BitDepthLuma       int
	BitDepthChroma     int
	Width              int
	Height             int
}

// ParseHEVCSPS parses an H.265 SPS NAL unit, two-byte header included.
func ParseHEVCSPS(nal []byte) (HEVCSPSInfo, error) {
	if len(nal) < 15 {
		return HEVCSPSInfo{}, fmt.Errorf("%w: SPS too short", ErrData)
	}
	br := newBitReader(unescapeRBSP(nal[2:]))
	var info HEVCSPSInfo
	br.skip(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := int(br.readBits(3))
	info.MaxSubLayers = uint8(maxSubLayersMinus1 + 1)
	info.TemporalIDNested = br.readFlag()

	info.ProfileSpace = uint8(br.readBits(2))
	info.Tier = br.readFlag()
	info.ProfileIDC = uint8(br.readBits(5))
	info.CompatibilityFlags = uint32(br.readBits(32))
	info.ConstraintFlags = uint64(br.readBits(48))
	info.LevelIDC = uint8(br.readBits(8))

	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := 0; i < maxSubLayersMinus1; i++ {
		profilePresent[i] = br.readFlag()
		levelPresent[i] = br.readFlag()
	}
	if maxSubLayersMinus1 > 0 {
		br.skip(2 * (8 - maxSubLayersMinus1))
	}
	for i := 0; i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			br.skip(88)
		}
		if levelPresent[i] {
			br.skip(8)
		}
	}

	br.readUE() // sps_seq_parameter_set_id
	info.ChromaFormat = int(br.readUE())
	if info.ChromaFormat == 3 {
		br.skip(1) // separate_colour_plane_flag
	}
	width := int(br.readUE())
	height := int(br.readUE())
	if br.readFlag() {
		subW, subH := 1, 1
		if info.ChromaFormat == 1 || info.ChromaFormat == 2 {
			subW = 2
		}
		if info.ChromaFormat == 1 {
			subH = 2
		}
		left, right := int(br.readUE()), int(br.readUE())
		top, bottom := int(br.readUE()), int(br.readUE())
		width -= subW * (left + right)
		height -= subH * (top + bottom)
	}
	info.BitDepthLuma = int(br.readUE()) + 8
	info.BitDepthChroma = int(br.readUE()) + 8
	if br.err != nil {
		return HEVCSPSInfo{}, br.err
	}
	if width <= 0 || height <= 0 {
		return HEVCSPSInfo{}, fmt.Errorf("%w: SPS yields %dx%d", ErrData, width, height)
	}
	info.Width, info.Height = width, height
	return info, nil
}
