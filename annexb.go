package webcodecs

import (
	"bytes"
	"fmt"
)

// NALType is a codec-specific NAL unit type: 5 bits for H.264, 6 bits for
// H.265.
type NALType uint8

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	AVCNALSlice  NALType = 1
	AVCNALIDR    NALType = 5
	AVCNALSEI    NALType = 6
	AVCNALSPS    NALType = 7
	AVCNALPPS    NALType = 8
	AVCNALAUD    NALType = 9
	AVCNALSPSExt NALType = 13
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBLAWLP      NALType = 16
	HEVCNALCRA         NALType = 21
	HEVCNALVPS         NALType = 32
	HEVCNALSPS         NALType = 33
	HEVCNALPPS         NALType = 34
	HEVCNALAUD         NALType = 35
	HEVCNALPrefixSEI   NALType = 39
	HEVCNALSuffixSEI   NALType = 40
	hevcNALKeyRangeEnd NALType = HEVCNALCRA
)

var annexBStartCode = []byte{0, 0, 0, 1}

// nalUnitType returns the NAL type of a NAL unit without start code.
func nalUnitType(codec Codec, nal []byte) NALType {
	if len(nal) == 0 {
		return 0
	}
	if codec == CodecHEVC {
		return NALType((nal[0] >> 1) & 0x3F)
	}
	return NALType(nal[0] & 0x1F)
}

func isParameterSetType(codec Codec, t NALType) bool {
	switch codec {
	case CodecAVC:
		return t == AVCNALSPS || t == AVCNALPPS || t == AVCNALSPSExt
	case CodecHEVC:
		return t == HEVCNALVPS || t == HEVCNALSPS || t == HEVCNALPPS
	default:
		return false
	}
}

// isKeyframeType reports whether a NAL type starts a random access point.
func isKeyframeType(codec Codec, t NALType) bool {
	switch codec {
	case CodecAVC:
		return t == AVCNALIDR
	case CodecHEVC:
		return t >= HEVCNALBLAWLP && t <= hevcNALKeyRangeEnd
	default:
		return false
	}
}

// splitAnnexB returns the NAL units of a start-code delimited stream. Four
// byte start codes are preferred; three byte ones are accepted. Bytes before
// the first start code must be zero (leading_zero_8bits).
func splitAnnexB(data []byte) ([][]byte, error) {
	var nals [][]byte
	start := -1
	for i := 0; i < len(data); i++ {
		codeLen := 0
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			codeLen = 4
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			codeLen = 3
		}
		if codeLen == 0 {
			if start < 0 && data[i] != 0 {
				return nil, fmt.Errorf("%w: data before first start code", ErrData)
			}
			continue
		}
		if start >= 0 && i > start {
			nals = append(nals, data[start:i])
		}
		start = i + codeLen
		i += codeLen - 1
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: no start code found", ErrData)
	}
	if start < len(data) {
		nals = append(nals, data[start:])
	}
	if len(nals) == 0 {
		return nil, fmt.Errorf("%w: no NAL units after start code", ErrData)
	}
	return nals, nil
}

func checkLengthSize(lengthSize int) error {
	switch lengthSize {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("%w: NAL length size %d not in {1, 2, 4}", ErrValidation, lengthSize)
	}
}

func maxNALLength(lengthSize int) int {
	if lengthSize == 4 {
		return 1<<31 - 1
	}
	return 1<<(8*lengthSize) - 1
}

// splitLengthPrefixed returns the NAL units of a length-prefixed stream.
func splitLengthPrefixed(data []byte, lengthSize int) ([][]byte, error) {
	if err := checkLengthSize(lengthSize); err != nil {
		return nil, err
	}
	var nals [][]byte
	for off := 0; off < len(data); {
		if len(data)-off < lengthSize {
			return nil, fmt.Errorf("%w: truncated NAL length field at offset %d", ErrData, off)
		}
		n := 0
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(data[off+i])
		}
		off += lengthSize
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: NAL length %d exceeds %d remaining bytes", ErrData, n, len(data)-off)
		}
		nals = append(nals, data[off:off+n])
		off += n
	}
	if len(nals) == 0 {
		return nil, fmt.Errorf("%w: empty access unit", ErrData)
	}
	return nals, nil
}

func appendNALLength(dst []byte, n, lengthSize int) []byte {
	for i := lengthSize - 1; i >= 0; i-- {
		dst = append(dst, byte(n>>(8*i)))
	}
	return dst
}

// ConvertLengthPrefixedToAnnexB replaces each lengthSize-byte big-endian
// length prefix with a four byte start code.
func ConvertLengthPrefixedToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	return appendLengthPrefixedAsAnnexB(nil, data, lengthSize)
}

func appendLengthPrefixedAsAnnexB(dst, data []byte, lengthSize int) ([]byte, error) {
	nals, err := splitLengthPrefixed(data, lengthSize)
	if err != nil {
		return nil, err
	}
	for _, nal := range nals {
		dst = append(dst, annexBStartCode...)
		dst = append(dst, nal...)
	}
	return dst, nil
}

// ConvertAnnexBToLengthPrefixed replaces start codes with lengthSize-byte
// big-endian length prefixes. Emulation prevention bytes are kept.
func ConvertAnnexBToLengthPrefixed(data []byte, lengthSize int) ([]byte, error) {
	if err := checkLengthSize(lengthSize); err != nil {
		return nil, err
	}
	nals, err := splitAnnexB(data)
	if err != nil {
		return nil, err
	}
	return appendNALsLengthPrefixed(make([]byte, 0, len(data)+len(nals)*lengthSize), nals, lengthSize)
}

func appendNALsLengthPrefixed(dst []byte, nals [][]byte, lengthSize int) ([]byte, error) {
	limit := maxNALLength(lengthSize)
	for _, nal := range nals {
		if len(nal) > limit {
			return nil, fmt.Errorf("%w: NAL of %d bytes does not fit a %d-byte length", ErrData, len(nal), lengthSize)
		}
		dst = appendNALLength(dst, len(nal), lengthSize)
		dst = append(dst, nal...)
	}
	return dst, nil
}

// ParameterSets groups parameter-set NAL units by type, in stream order.
type ParameterSets struct {
	Codec Codec
	Sets  map[NALType][][]byte
}

// Get returns the parameter sets of type t.
func (ps ParameterSets) Get(t NALType) [][]byte {
	return ps.Sets[t]
}

// Empty reports whether no parameter sets were found.
func (ps ParameterSets) Empty() bool {
	return len(ps.Sets) == 0
}

// Complete reports whether the sets needed to build a decoder description
// are present.
func (ps ParameterSets) Complete() bool {
	switch ps.Codec {
	case CodecAVC:
		return len(ps.Sets[AVCNALSPS]) > 0 && len(ps.Sets[AVCNALPPS]) > 0
	case CodecHEVC:
		return len(ps.Sets[HEVCNALVPS]) > 0 && len(ps.Sets[HEVCNALSPS]) > 0 && len(ps.Sets[HEVCNALPPS]) > 0
	default:
		return false
	}
}

func (ps *ParameterSets) add(t NALType, nal []byte) {
	if ps.Sets == nil {
		ps.Sets = make(map[NALType][][]byte)
	}
	for _, have := range ps.Sets[t] {
		if bytes.Equal(have, nal) {
			return
		}
	}
	ps.Sets[t] = append(ps.Sets[t], append([]byte(nil), nal...))
}

// order lists parameter-set types in decoding order.
func (ps ParameterSets) order() []NALType {
	if ps.Codec == CodecHEVC {
		return []NALType{HEVCNALVPS, HEVCNALSPS, HEVCNALPPS}
	}
	return []NALType{AVCNALSPS, AVCNALSPSExt, AVCNALPPS}
}

// AnnexB returns the parameter sets as a start-code delimited stream.
func (ps ParameterSets) AnnexB() []byte {
	var out []byte
	for _, t := range ps.order() {
		for _, nal := range ps.Sets[t] {
			out = append(out, annexBStartCode...)
			out = append(out, nal...)
		}
	}
	return out
}

// ExtractParameterSets collects the parameter-set NAL units of an Annex B
// access unit: SPS, PPS and SPS extension for H.264, VPS, SPS and PPS for
// H.265. Duplicates are dropped.
func ExtractParameterSets(codec Codec, annexB []byte) (ParameterSets, error) {
	if !codec.UsesNALUnits() {
		return ParameterSets{}, fmt.Errorf("%w: %s has no parameter sets", ErrValidation, codec)
	}
	nals, err := splitAnnexB(annexB)
	if err != nil {
		return ParameterSets{}, err
	}
	return collectParameterSets(codec, nals), nil
}

func collectParameterSets(codec Codec, nals [][]byte) ParameterSets {
	ps := ParameterSets{Codec: codec}
	for _, nal := range nals {
		if t := nalUnitType(codec, nal); isParameterSetType(codec, t) {
			ps.add(t, nal)
		}
	}
	return ps
}

// StripParameterSets removes parameter-set NAL units from an Annex B access
// unit.
func StripParameterSets(codec Codec, annexB []byte) ([]byte, error) {
	nals, err := splitAnnexB(annexB)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(annexB))
	for _, nal := range nals {
		if isParameterSetType(codec, nalUnitType(codec, nal)) {
			continue
		}
		out = append(out, annexBStartCode...)
		out = append(out, nal...)
	}
	return out, nil
}

// PrependParameterSets returns annexB with the parameter sets placed in front.
func PrependParameterSets(ps ParameterSets, annexB []byte) []byte {
	head := ps.AnnexB()
	out := make([]byte, 0, len(head)+len(annexB))
	out = append(out, head...)
	return append(out, annexB...)
}

// containsKeyframe reports whether any NAL unit starts a random access point.
func containsKeyframe(codec Codec, nals [][]byte) bool {
	for _, nal := range nals {
		if isKeyframeType(codec, nalUnitType(codec, nal)) {
			return true
		}
	}
	return false
}
