package webcodecs

import "fmt"

// ConfigRecord is a decoder configuration record: *AVCConfig, *HEVCConfig
// or *AudioSpecificConfig.
type ConfigRecord interface {
	Codec() Codec
	Marshal() ([]byte, error)
}

var (
	_ ConfigRecord = (*AVCConfig)(nil)
	_ ConfigRecord = (*HEVCConfig)(nil)
	_ ConfigRecord = (*AudioSpecificConfig)(nil)
)

// ParseConfigRecord decodes the description of a codec family.
func ParseConfigRecord(codec Codec, b []byte) (ConfigRecord, error) {
	switch codec {
	case CodecAVC:
		return ParseAVCConfig(b)
	case CodecHEVC:
		return ParseHEVCConfig(b)
	case CodecAAC:
		return ParseAudioSpecificConfig(b)
	default:
		return nil, fmt.Errorf("%w: %s has no configuration record", ErrValidation, codec)
	}
}

// BuildConfigRecord encodes rec.
func BuildConfigRecord(rec ConfigRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil configuration record", ErrValidation)
	}
	return rec.Marshal()
}

// SynthesizeConfigRecord builds the description of an AVC or HEVC stream
// from parameter sets found in band.
func SynthesizeConfigRecord(ps ParameterSets) (ConfigRecord, error) {
	switch ps.Codec {
	case CodecAVC:
		return SynthesizeAVCConfig(ps)
	case CodecHEVC:
		return SynthesizeHEVCConfig(ps)
	default:
		return nil, fmt.Errorf("%w: cannot synthesize a record for %s", ErrValidation, ps.Codec)
	}
}

// recordLengthSize returns the NAL length size of an AVC or HEVC record.
func recordLengthSize(rec ConfigRecord) int {
	switch r := rec.(type) {
	case *AVCConfig:
		return r.LengthSize
	case *HEVCConfig:
		return r.LengthSize
	default:
		return 0
	}
}

// recordParameterSets returns the parameter sets carried by an AVC or HEVC
// record.
func recordParameterSets(rec ConfigRecord) ParameterSets {
	switch r := rec.(type) {
	case *AVCConfig:
		return r.ParameterSets()
	case *HEVCConfig:
		return r.ParameterSets()
	default:
		return ParameterSets{}
	}
}

// recordCodecString returns the RFC 6381 string a record describes.
func recordCodecString(rec ConfigRecord) string {
	switch r := rec.(type) {
	case *AVCConfig:
		return r.CodecString()
	case *HEVCConfig:
		return r.CodecString()
	case *AudioSpecificConfig:
		return r.CodecString()
	default:
		return ""
	}
}

// codedSizeFromRecord returns the picture size described by the first SPS of
// an AVC or HEVC record.
func codedSizeFromRecord(rec ConfigRecord) (width, height int, ok bool) {
	switch r := rec.(type) {
	case *AVCConfig:
		if len(r.SPS) == 0 {
			return 0, 0, false
		}
		info, err := ParseAVCSPS(r.SPS[0])
		if err != nil {
			return 0, 0, false
		}
		return info.Width, info.Height, true
	case *HEVCConfig:
		sps := r.ParameterSets().Get(HEVCNALSPS)
		if len(sps) == 0 {
			return 0, 0, false
		}
		info, err := ParseHEVCSPS(sps[0])
		if err != nil {
			return 0, 0, false
		}
		return info.Width, info.Height, true
	default:
		return 0, 0, false
	}
}
