package webcodecs

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// HWMethod identifies a codec acceleration method. HWMethodNone is the
// software path.
type HWMethod uint8

const (
	HWMethodNone         HWMethod = iota // Software codec
	HWMethodCUDA                         // NVIDIA NVENC/NVDEC
	HWMethodQSV                          // Intel Quick Sync
	HWMethodVAAPI                        // VA-API (Intel, AMD)
	HWMethodVideoToolbox                 // Apple VideoToolbox
	HWMethodV4L2M2M                      // V4L2 memory-to-memory (SoC codecs)
	hwMethodCount
)

// DeviceType is the hardware vendor class a method runs on.
type DeviceType uint8

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeNVIDIA
	DeviceTypeIntel
	DeviceTypeAMD
	DeviceTypeApple
	DeviceTypeSoC
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTypeCPU:
		return "cpu"
	case DeviceTypeNVIDIA:
		return "nvidia"
	case DeviceTypeIntel:
		return "intel"
	case DeviceTypeAMD:
		return "amd"
	case DeviceTypeApple:
		return "apple"
	case DeviceTypeSoC:
		return "soc"
	default:
		return "unknown"
	}
}

// hwMethodMeta contains static metadata about an acceleration method.
type hwMethodMeta struct {
	Name     string
	Device   DeviceType
	Priority int    // Lower is tried first
	EncodeSx string // Native encoder name suffix
	DecodeSx string // Native decoder name suffix
}

// Static metadata table - indexed by HWMethod, zero allocations.
var hwMethodInfo = [hwMethodCount]hwMethodMeta{
	HWMethodNone:         {"none", DeviceTypeCPU, 100, "", ""},
	HWMethodCUDA:         {"cuda", DeviceTypeNVIDIA, 10, "_nvenc", "_cuvid"},
	HWMethodQSV:          {"qsv", DeviceTypeIntel, 20, "_qsv", "_qsv"},
	HWMethodVAAPI:        {"vaapi", DeviceTypeIntel, 30, "_vaapi", ""},
	HWMethodVideoToolbox: {"videotoolbox", DeviceTypeApple, 15, "_videotoolbox", ""},
	HWMethodV4L2M2M:      {"v4l2m2m", DeviceTypeSoC, 40, "_v4l2m2m", "_v4l2m2m"},
}

// Runtime availability - set by capability probing.
var hwMethodAvailable [hwMethodCount]atomic.Bool

func init() {
	hwMethodAvailable[HWMethodNone].Store(true)
}

// String returns the method name.
func (m HWMethod) String() string {
	if m >= hwMethodCount {
		return "unknown"
	}
	return hwMethodInfo[m].Name
}

// Device returns the device class the method runs on.
func (m HWMethod) Device() DeviceType {
	if m >= hwMethodCount {
		return DeviceTypeCPU
	}
	return hwMethodInfo[m].Device
}

// Priority returns the static priority; lower is tried first.
func (m HWMethod) Priority() int {
	if m >= hwMethodCount {
		return 1 << 30
	}
	return hwMethodInfo[m].Priority
}

// IsHardware reports whether m needs a hardware context.
func (m HWMethod) IsHardware() bool {
	return m != HWMethodNone && m < hwMethodCount
}

// Available returns true if the method was found usable by the last probe.
func (m HWMethod) Available() bool {
	if m >= hwMethodCount {
		return false
	}
	return hwMethodAvailable[m].Load()
}

func setHWMethodAvailable(m HWMethod, ok bool) {
	if m < hwMethodCount && m != HWMethodNone {
		hwMethodAvailable[m].Store(ok)
	}
}

// NativeName returns the native codec implementation name, e.g.
// "h264_nvenc" or "hevc_cuvid". Methods that decode through a generic
// hwaccel on the software decoder return the software name.
func (m HWMethod) NativeName(codec Codec, encode bool) string {
	base := nativeCodecName(codec, encode)
	if base == "" || m >= hwMethodCount {
		return base
	}
	sx := hwMethodInfo[m].DecodeSx
	if encode {
		sx = hwMethodInfo[m].EncodeSx
	}
	if m == HWMethodNone || sx == "" {
		return base
	}
	return nativeCodecName(codec, false) + sx
}

func nativeCodecName(codec Codec, encode bool) string {
	switch codec {
	case CodecAVC:
		if encode {
			return "libx264"
		}
		return "h264"
	case CodecHEVC:
		if encode {
			return "libx265"
		}
		return "hevc"
	case CodecVP8:
		return "libvpx"
	case CodecVP9:
		return "libvpx-vp9"
	case CodecAV1:
		if encode {
			return "libaom-av1"
		}
		return "libdav1d"
	case CodecAAC:
		return "aac"
	case CodecOpus:
		return "libopus"
	default:
		return ""
	}
}

// ParseHWMethod parses a method name as used in configuration files.
func ParseHWMethod(name string) (HWMethod, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "software", "cpu":
		return HWMethodNone, nil
	case "nvenc", "nvdec", "nvidia":
		return HWMethodCUDA, nil
	}
	for m := HWMethod(0); m < hwMethodCount; m++ {
		if hwMethodInfo[m].Name == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown hardware method %q", ErrValidation, name)
}

// HWMethods returns every known method, software first.
func HWMethods() []HWMethod {
	out := make([]HWMethod, 0, hwMethodCount)
	for m := HWMethod(0); m < hwMethodCount; m++ {
		out = append(out, m)
	}
	return out
}
