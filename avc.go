package webcodecs

import "fmt"

// AVCConfig is an AVCDecoderConfigurationRecord (ISO/IEC 14496-15 5.3.3.1),
// the "avcC" description of length-prefixed H.264.
type AVCConfig struct {
	ConfigurationVersion uint8
	Profile              uint8
	ProfileCompatibility uint8
	Level                uint8
	LengthSize           int // NAL length prefix width: 1, 2 or 4
	SPS                  [][]byte
	PPS                  [][]byte

	// High profile extension (profile_idc 100, 110, 122, 144).
	HasExtension         bool
	ChromaFormat         uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
	SPSExt               [][]byte

	reserved avcReserved
	trailing []byte
}

// avcReserved keeps the reserved bits of a parsed record so Marshal
// reproduces the input exactly. Records built from scratch use all-ones.
type avcReserved struct {
	set                    bool
	lengthSize, numSPS     byte
	chroma, luma, chromaBD byte
}

func (r avcReserved) or(field, def byte) byte {
	if r.set {
		return field
	}
	return def
}

func isAVCHighProfile(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 144:
		return true
	default:
		return false
	}
}

// ParseAVCConfig decodes an avcC record.
func ParseAVCConfig(b []byte) (*AVCConfig, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("%w: avcC record of %d bytes is truncated", ErrData, len(b))
	}
	if b[0] != 1 {
		return nil, fmt.Errorf("%w: avcC configuration version %d", ErrData, b[0])
	}
	c := &AVCConfig{
		ConfigurationVersion: b[0],
		Profile:              b[1],
		ProfileCompatibility: b[2],
		Level:                b[3],
		LengthSize:           int(b[4]&0x03) + 1,
	}
	if c.LengthSize == 3 {
		return nil, fmt.Errorf("%w: avcC NAL length size 3", ErrData)
	}
	c.reserved = avcReserved{set: true, lengthSize: b[4] & 0xFC, numSPS: b[5] & 0xE0}

	var err error
	off := 6
	if c.SPS, off, err = readParameterSetArray(b, off, int(b[5]&0x1F)); err != nil {
		return nil, err
	}
	if off >= len(b) {
		return nil, fmt.Errorf("%w: avcC record ends before PPS count", ErrData)
	}
	numPPS := int(b[off])
	if c.PPS, off, err = readParameterSetArray(b, off+1, numPPS); err != nil {
		return nil, err
	}

	if isAVCHighProfile(c.Profile) && len(b)-off >= 4 {
		c.HasExtension = true
		c.ChromaFormat = b[off] & 0x03
		c.BitDepthLumaMinus8 = b[off+1] & 0x07
		c.BitDepthChromaMinus8 = b[off+2] & 0x07
		c.reserved.chroma = b[off] & 0xFC
		c.reserved.luma = b[off+1] & 0xF8
		c.reserved.chromaBD = b[off+2] & 0xF8
		numExt := int(b[off+3])
		if c.SPSExt, off, err = readParameterSetArray(b, off+4, numExt); err != nil {
			return nil, err
		}
	}
	if off < len(b) {
		c.trailing = append([]byte(nil), b[off:]...)
	}
	return c, nil
}

// readParameterSetArray reads n entries of [u16 length][bytes].
func readParameterSetArray(b []byte, off, n int) ([][]byte, int, error) {
	sets := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(b)-off < 2 {
			return nil, off, fmt.Errorf("%w: parameter set %d length truncated", ErrData, i)
		}
		size := int(b[off])<<8 | int(b[off+1])
		off += 2
		if size > len(b)-off {
			return nil, off, fmt.Errorf("%w: parameter set %d length %d exceeds record", ErrData, i, size)
		}
		sets = append(sets, append([]byte(nil), b[off:off+size]...))
		off += size
	}
	return sets, off, nil
}

func appendParameterSetArray(dst []byte, sets [][]byte) ([]byte, error) {
	for _, s := range sets {
		if len(s) > 0xFFFF {
			return nil, fmt.Errorf("%w: parameter set of %d bytes", ErrValidation, len(s))
		}
		dst = append(dst, byte(len(s)>>8), byte(len(s)))
		dst = append(dst, s...)
	}
	return dst, nil
}

// Codec implements ConfigRecord.
func (c *AVCConfig) Codec() Codec { return CodecAVC }

// Marshal encodes the record.
func (c *AVCConfig) Marshal() ([]byte, error) {
	if err := checkLengthSize(c.LengthSize); err != nil {
		return nil, err
	}
	if len(c.SPS) > 31 {
		return nil, fmt.Errorf("%w: %d SPS entries exceed 31", ErrValidation, len(c.SPS))
	}
	if len(c.PPS) > 255 || len(c.SPSExt) > 255 {
		return nil, fmt.Errorf("%w: too many parameter sets", ErrValidation)
	}
	version := c.ConfigurationVersion
	if version == 0 {
		version = 1
	}
	r := c.reserved
	out := []byte{
		version, c.Profile, c.ProfileCompatibility, c.Level,
		r.or(r.lengthSize, 0xFC) | byte(c.LengthSize-1),
		r.or(r.numSPS, 0xE0) | byte(len(c.SPS)),
	}
	var err error
	if out, err = appendParameterSetArray(out, c.SPS); err != nil {
		return nil, err
	}
	out = append(out, byte(len(c.PPS)))
	if out, err = appendParameterSetArray(out, c.PPS); err != nil {
		return nil, err
	}
	if c.HasExtension {
		out = append(out,
			r.or(r.chroma, 0xFC)|c.ChromaFormat&0x03,
			r.or(r.luma, 0xF8)|c.BitDepthLumaMinus8&0x07,
			r.or(r.chromaBD, 0xF8)|c.BitDepthChromaMinus8&0x07,
			byte(len(c.SPSExt)),
		)
		if out, err = appendParameterSetArray(out, c.SPSExt); err != nil {
			return nil, err
		}
	}
	return append(out, c.trailing...), nil
}

// ParameterSets returns the record's parameter sets.
func (c *AVCConfig) ParameterSets() ParameterSets {
	ps := ParameterSets{Codec: CodecAVC}
	for _, s := range c.SPS {
		ps.add(AVCNALSPS, s)
	}
	for _, s := range c.SPSExt {
		ps.add(AVCNALSPSExt, s)
	}
	for _, s := range c.PPS {
		ps.add(AVCNALPPS, s)
	}
	return ps
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.42E01E".
func (c *AVCConfig) CodecString() string {
	return CodecString{Codec: CodecAVC, Tag: "avc1", Profile: c.Profile, Constraints: c.ProfileCompatibility, Level: c.Level}.String()
}

// SynthesizeAVCConfig builds an avcC record with 4-byte NAL lengths from
// parameter sets found in band.
func SynthesizeAVCConfig(ps ParameterSets) (*AVCConfig, error) {
	sps, pps := ps.Sets[AVCNALSPS], ps.Sets[AVCNALPPS]
	if len(sps) == 0 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: SPS and PPS required to build avcC", ErrData)
	}
	if len(sps[0]) < 4 {
		return nil, fmt.Errorf("%w: SPS of %d bytes", ErrData, len(sps[0]))
	}
	c := &AVCConfig{
		ConfigurationVersion: 1,
		Profile:              sps[0][1],
		ProfileCompatibility: sps[0][2],
		Level:                sps[0][3],
		LengthSize:           4,
		SPS:                  sps,
		PPS:                  pps,
	}
	if isAVCHighProfile(c.Profile) {
		info, err := ParseAVCSPS(sps[0])
		if err != nil {
			return nil, err
		}
		c.HasExtension = true
		c.ChromaFormat = uint8(info.ChromaFormat)
		c.BitDepthLumaMinus8 = uint8(info.BitDepthLuma - 8)
		c.BitDepthChromaMinus8 = uint8(info.BitDepthChroma - 8)
		c.SPSExt = ps.Sets[AVCNALSPSExt]
	}
	return c, nil
}

// AVCSPSInfo holds the fields of an H.264 SPS the runtime uses.
type AVCSPSInfo struct {
	Profile        uint8
	Constraints    uint8
	Level          uint8
	ChromaFormat   int
	BitDepthLuma   int
	BitDepthChroma int
	Width          int
	Height         int
}

// ParseAVCSPS parses an H.264 SPS NAL unit, header byte included.
func ParseAVCSPS(nal []byte) (AVCSPSInfo, error) {
	if len(nal) < 4 {
		return AVCSPSInfo{}, fmt.Errorf("%w: SPS too short", ErrData)
	}
	br := newBitReader(unescapeRBSP(nal[1:]))
	info := AVCSPSInfo{
		Profile:        uint8(br.readBits(8)),
		Constraints:    uint8(br.readBits(8)),
		Level:          uint8(br.readBits(8)),
		ChromaFormat:   1,
		BitDepthLuma:   8,
		BitDepthChroma: 8,
	}
	br.readUE() // seq_parameter_set_id

	separatePlanes := false
	switch info.Profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		info.ChromaFormat = int(br.readUE())
		if info.ChromaFormat == 3 {
			separatePlanes = br.readFlag()
		}
		info.BitDepthLuma = int(br.readUE()) + 8
		info.BitDepthChroma = int(br.readUE()) + 8
		br.skip(1) // qpprime_y_zero_transform_bypass_flag
		if br.readFlag() {
			lists := 8
			if info.ChromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.readFlag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.readUE() // log2_max_frame_num_minus4
	switch br.readUE() {
	case 0:
		br.readUE()
	case 1:
		br.skip(1)
		br.readSE()
		br.readSE()
		n := br.readUE()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.readSE()
		}
	}
	br.readUE() // max_num_ref_frames
	br.skip(1)  // gaps_in_frame_num_value_allowed_flag

	widthMbs := int(br.readUE()) + 1
	heightMapUnits := int(br.readUE()) + 1
	frameMbsOnly := 0
	if br.readFlag() {
		frameMbsOnly = 1
	} else {
		br.skip(1) // mb_adaptive_frame_field_flag
	}
	br.skip(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom int
	if br.readFlag() {
		cropLeft = int(br.readUE())
		cropRight = int(br.readUE())
		cropTop = int(br.readUE())
		cropBottom = int(br.readUE())
	}
	if br.err != nil {
		return AVCSPSInfo{}, br.err
	}

	chromaArrayType := info.ChromaFormat
	if separatePlanes {
		chromaArrayType = 0
	}
	cropX, cropY := 1, 2-frameMbsOnly
	switch chromaArrayType {
	case 1:
		cropX, cropY = 2, 2*(2-frameMbsOnly)
	case 2:
		cropX, cropY = 2, 2-frameMbsOnly
	}
	info.Width = widthMbs*16 - cropX*(cropLeft+cropRight)
	info.Height = (2-frameMbsOnly)*heightMapUnits*16 - cropY*(cropTop+cropBottom)
	if info.Width <= 0 || info.Height <= 0 {
		return AVCSPSInfo{}, fmt.Errorf("%w: SPS yields %dx%d", ErrData, info.Width, info.Height)
	}
	return info, nil
}
