package webcodecs

// DetectCodec detects the codec family from the first bytes of an access
// unit. Supports detection of:
//   - H.264/H.265: Annex B start codes (ITU-T H.264/H.265 Annex B)
//   - VP8: RFC 6386 keyframe start code
//   - VP9: uncompressed header frame marker
//   - AV1: OBU header
//   - AAC: ADTS syncword
//
// Returns CodecUnknown if the codec cannot be determined. Length-prefixed
// NAL units carry no signature and are never detected.
func DetectCodec(data []byte) Codec {
	if len(data) < 4 {
		return CodecUnknown
	}

	if isAnnexBStartCode(data) {
		if nals, err := splitAnnexB(data); err == nil {
			return guessNALCodec(nals[0])
		}
	}

	if isADTS(data) {
		return CodecAAC
	}
	if isVP8Keyframe(data) {
		return CodecVP8
	}
	if isVP9Frame(data) {
		return CodecVP9
	}
	if isAV1OBU(data) {
		return CodecAV1
	}
	return CodecUnknown
}

// guessNALCodec tells H.264 and H.265 apart from the first NAL header.
// H.265 headers are two bytes with nuh_layer_id and a non-zero temporal id.
func guessNALCodec(nal []byte) Codec {
	if len(nal) >= 2 && nal[0]&0x81 == 0 && nal[1]&0x07 != 0 {
		switch NALType((nal[0] >> 1) & 0x3F) {
		case HEVCNALVPS, HEVCNALSPS, HEVCNALPPS, HEVCNALAUD, HEVCNALPrefixSEI:
			return CodecHEVC
		}
	}
	if len(nal) >= 1 && nal[0]&0x80 == 0 {
		t := NALType(nal[0] & 0x1F)
		if (t >= 1 && t <= 12) || (t >= 19 && t <= 21) {
			return CodecAVC
		}
	}
	return CodecUnknown
}

// DetectFraming decides how an access unit of codec is delimited when the
// caller gave no hint. lengthSize is the NAL length width from the active
// description, 0 when there is none.
func DetectFraming(codec Codec, data []byte, lengthSize int) Framing {
	switch codec {
	case CodecAVC, CodecHEVC:
		if lengthSize > 0 && isLengthPrefixed(data, lengthSize) {
			return FramingLengthPrefixed
		}
		if isAnnexBStartCode(data) {
			return FramingAnnexB
		}
		if isLengthPrefixed(data, 4) {
			return FramingLengthPrefixed
		}
		return FramingUnknown
	case CodecAAC:
		if isADTS(data) {
			return FramingADTS
		}
		return FramingRaw
	default:
		return FramingRaw
	}
}

// isAnnexBStartCode checks for H.264/H.265 Annex B start codes.
// Per ITU-T H.264 Annex B, NAL units are prefixed with:
//   - 4-byte start code: 0x00000001 (used at stream start and after certain NALUs)
//   - 3-byte start code: 0x000001 (used between NALUs)
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// isLengthPrefixed reports whether data parses exactly as a sequence of
// lengthSize-prefixed NAL units with valid forbidden_zero_bits.
func isLengthPrefixed(data []byte, lengthSize int) bool {
	nals, err := splitLengthPrefixed(data, lengthSize)
	if err != nil {
		return false
	}
	for _, nal := range nals {
		if len(nal) == 0 || nal[0]&0x80 != 0 {
			return false
		}
	}
	return true
}

// isADTS checks for an ADTS header.
// Per ISO/IEC 13818-7, ADTS frames start with:
//   - syncword (12 bits): 0xFFF
//   - ID (1 bit): MPEG version (0=MPEG-4, 1=MPEG-2)
//   - layer (2 bits): always 0b00
func isADTS(data []byte) bool {
	if len(data) < adtsHeaderSize {
		return false
	}
	return data[0] == 0xFF && data[1]&0xF6 == 0xF0
}

// isVP8Keyframe checks for VP8 keyframe signature.
// Per RFC 6386 Section 9.1, bytes 3-5 of a keyframe are the start code
// 0x9D 0x01 0x2A.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 || data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Frame checks for the VP9 frame marker (0b10 in the top two bits).
func isVP9Frame(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	return (data[0]>>6)&0x03 == 0x02
}

// isAV1OBU checks for an AV1 OBU header.
// Per AV1 Bitstream Specification Section 5.3.2: forbidden bit 0, then a
// 4-bit obu_type in 1-8 or 15.
func isAV1OBU(data []byte) bool {
	if len(data) < 2 || data[0]&0x80 != 0 {
		return false
	}
	obuType := (data[0] >> 3) & 0x0F
	return (obuType >= 1 && obuType <= 8) || obuType == 15
}
