package webcodecs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Codec identifies a codec family. Sample-entry variants of the same family
// (avc1/avc3, hvc1/hev1) share one Codec value.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecAVC
	CodecHEVC
	CodecVP8
	CodecVP9
	CodecAV1
	CodecAAC
	CodecOpus
)

func (c Codec) String() string {
	switch c {
	case CodecAVC:
		return "H264"
	case CodecHEVC:
		return "H265"
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	case CodecAV1:
		return "AV1"
	case CodecAAC:
		return "AAC"
	case CodecOpus:
		return "Opus"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c Codec) MimeType() string {
	switch c {
	case CodecAVC:
		return webrtc.MimeTypeH264
	case CodecHEVC:
		return webrtc.MimeTypeH265
	case CodecVP8:
		return webrtc.MimeTypeVP8
	case CodecVP9:
		return webrtc.MimeTypeVP9
	case CodecAV1:
		return webrtc.MimeTypeAV1
	case CodecOpus:
		return webrtc.MimeTypeOpus
	case CodecAAC:
		return "audio/aac"
	default:
		return ""
	}
}

// IsVideo reports whether c is a video codec.
func (c Codec) IsVideo() bool {
	switch c {
	case CodecAVC, CodecHEVC, CodecVP8, CodecVP9, CodecAV1:
		return true
	default:
		return false
	}
}

// IsAudio reports whether c is an audio codec.
func (c Codec) IsAudio() bool {
	return c == CodecAAC || c == CodecOpus
}

// UsesNALUnits reports whether the bitstream is made of NAL units and can be
// carried either Annex B or length-prefixed.
func (c Codec) UsesNALUnits() bool {
	return c == CodecAVC || c == CodecHEVC
}

// ClockRate returns the RTP clock rate for this codec.
func (c Codec) ClockRate() uint32 {
	switch c {
	case CodecOpus, CodecAAC:
		return 48000
	default:
		return 90000
	}
}

// ParseCodecName maps a short codec name ("h264", "hevc", "aac", ...) or a
// media type ("video/H264", "audio/opus") to a Codec. It accepts the names
// used in runtime configuration files.
func ParseCodecName(name string) (Codec, error) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "/") {
		for c := CodecAVC; c <= CodecOpus; c++ {
			if strings.EqualFold(name, c.MimeType()) {
				return c, nil
			}
		}
		return CodecUnknown, fmt.Errorf("%w: unknown media type %q", ErrValidation, name)
	}
	switch strings.ToLower(name) {
	case "h264", "avc", "avc1", "avc3":
		return CodecAVC, nil
	case "h265", "hevc", "hvc1", "hev1":
		return CodecHEVC, nil
	case "vp8":
		return CodecVP8, nil
	case "vp9", "vp09":
		return CodecVP9, nil
	case "av1", "av01":
		return CodecAV1, nil
	case "aac", "mp4a":
		return CodecAAC, nil
	case "opus":
		return CodecOpus, nil
	default:
		return CodecUnknown, fmt.Errorf("%w: unknown codec name %q", ErrValidation, name)
	}
}

// CodecString is a parsed RFC 6381 codec string.
type CodecString struct {
	Codec Codec

	// Tag is the sample-entry fourcc: avc1, avc3, hvc1, hev1, vp09, av01,
	// mp4a, or the bare name for vp8 and opus.
	Tag string

	// AVC: profile_idc, constraint flags and level_idc from "avc1.PPCCLL".
	Profile     uint8
	Constraints uint8
	Level       uint8

	// AAC: audio object type from "mp4a.40.N".
	ObjectType AudioObjectType
}

// ParameterSetsInBand reports whether the sample entry carries parameter
// sets in the bitstream (avc3/hev1) rather than only in the description.
func (cs CodecString) ParameterSetsInBand() bool {
	return cs.Tag == "avc3" || cs.Tag == "hev1"
}

func (cs CodecString) String() string {
	switch cs.Codec {
	case CodecAVC:
		return fmt.Sprintf("%s.%02X%02X%02X", cs.Tag, cs.Profile, cs.Constraints, cs.Level)
	case CodecAAC:
		return fmt.Sprintf("mp4a.40.%d", cs.ObjectType)
	default:
		return cs.Tag
	}
}

// ParseCodecString parses codec strings such as "avc1.42E01E", "hev1.1.6.L93.B0",
// "vp09.00.10.08", "av01.0.04M.08", "mp4a.40.2", "vp8" and "opus".
func ParseCodecString(s string) (CodecString, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	tag := parts[0]
	switch tag {
	case "avc1", "avc3":
		cs := CodecString{Codec: CodecAVC, Tag: tag}
		if len(parts) != 2 || len(parts[1]) != 6 {
			return CodecString{}, fmt.Errorf("%w: malformed AVC codec string %q", ErrValidation, s)
		}
		v, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return CodecString{}, fmt.Errorf("%w: malformed AVC codec string %q", ErrValidation, s)
		}
		cs.Profile = uint8(v >> 16)
		cs.Constraints = uint8(v >> 8)
		cs.Level = uint8(v)
		return cs, nil
	case "hvc1", "hev1":
		if len(parts) < 4 {
			return CodecString{}, fmt.Errorf("%w: malformed HEVC codec string %q", ErrValidation, s)
		}
		return CodecString{Codec: CodecHEVC, Tag: tag}, nil
	case "vp8":
		if len(parts) != 1 {
			return CodecString{}, fmt.Errorf("%w: malformed VP8 codec string %q", ErrValidation, s)
		}
		return CodecString{Codec: CodecVP8, Tag: tag}, nil
	case "vp09":
		if len(parts) < 4 {
			return CodecString{}, fmt.Errorf("%w: malformed VP9 codec string %q", ErrValidation, s)
		}
		return CodecString{Codec: CodecVP9, Tag: tag}, nil
	case "av01":
		if len(parts) < 4 {
			return CodecString{}, fmt.Errorf("%w: malformed AV1 codec string %q", ErrValidation, s)
		}
		return CodecString{Codec: CodecAV1, Tag: tag}, nil
	case "mp4a":
		if len(parts) != 3 || parts[1] != "40" {
			return CodecString{}, fmt.Errorf("%w: malformed AAC codec string %q", ErrValidation, s)
		}
		ot, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil || ot == 0 {
			return CodecString{}, fmt.Errorf("%w: malformed AAC codec string %q", ErrValidation, s)
		}
		return CodecString{Codec: CodecAAC, Tag: tag, ObjectType: AudioObjectType(ot)}, nil
	case "opus":
		return CodecString{Codec: CodecOpus, Tag: tag}, nil
	default:
		return CodecString{}, fmt.Errorf("%w: unrecognized codec string %q", ErrValidation, s)
	}
}

// BitrateMode defines the encoder rate control mode.
type BitrateMode int

const (
	BitrateModeVariable  BitrateMode = iota // Variable bitrate
	BitrateModeConstant                     // Constant bitrate
	BitrateModeQuantizer                    // Per-frame quantizer
)

func (m BitrateMode) String() string {
	switch m {
	case BitrateModeVariable:
		return "variable"
	case BitrateModeConstant:
		return "constant"
	case BitrateModeQuantizer:
		return "quantizer"
	default:
		return "unknown"
	}
}

// LatencyMode trades encoder lookahead for latency.
type LatencyMode int

const (
	LatencyModeQuality  LatencyMode = iota
	LatencyModeRealtime             // No lookahead, no frame reordering
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyModeQuality:
		return "quality"
	case LatencyModeRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// HardwareAcceleration is the caller's pipeline preference.
type HardwareAcceleration int

const (
	HardwareAccelerationNoPreference HardwareAcceleration = iota
	HardwareAccelerationPreferHardware
	HardwareAccelerationPreferSoftware
)

func (h HardwareAcceleration) String() string {
	switch h {
	case HardwareAccelerationNoPreference:
		return "no-preference"
	case HardwareAccelerationPreferHardware:
		return "prefer-hardware"
	case HardwareAccelerationPreferSoftware:
		return "prefer-software"
	default:
		return "unknown"
	}
}

// ParseHardwareAcceleration parses the textual preference used in configs.
func ParseHardwareAcceleration(s string) (HardwareAcceleration, error) {
	switch s {
	case "", "no-preference":
		return HardwareAccelerationNoPreference, nil
	case "prefer-hardware":
		return HardwareAccelerationPreferHardware, nil
	case "prefer-software":
		return HardwareAccelerationPreferSoftware, nil
	default:
		return 0, fmt.Errorf("%w: unknown hardware acceleration %q", ErrValidation, s)
	}
}

// BitstreamFormat selects how AVC/HEVC output is framed.
type BitstreamFormat int

const (
	// BitstreamFormatLengthPrefixed emits length-prefixed NAL units with
	// parameter sets carried in the decoder description ("avc"/"hevc").
	BitstreamFormatLengthPrefixed BitstreamFormat = iota
	// BitstreamFormatAnnexB emits start-code delimited NAL units with
	// parameter sets in band ("annexb").
	BitstreamFormatAnnexB
)

func (f BitstreamFormat) String() string {
	switch f {
	case BitstreamFormatLengthPrefixed:
		return "avc"
	case BitstreamFormatAnnexB:
		return "annexb"
	default:
		return "unknown"
	}
}

// AACFormat selects how AAC output is framed.
type AACFormat int

const (
	AACFormatRaw  AACFormat = iota // Raw access units, AudioSpecificConfig description
	AACFormatADTS                  // ADTS header on every frame, no description
)

func (f AACFormat) String() string {
	switch f {
	case AACFormatRaw:
		return "aac"
	case AACFormatADTS:
		return "adts"
	default:
		return "unknown"
	}
}
