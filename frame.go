// Core frame, sample and chunk types used across the package.
package webcodecs

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // YUV 4:2:0 planar (Y + U + V)
	PixelFormatI420A               // I420 with alpha plane
	PixelFormatI422                // YUV 4:2:2 planar
	PixelFormatI444                // YUV 4:4:4 planar
	PixelFormatNV12                // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGBA                // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA                // Packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatI420A:
		return "I420A"
	case PixelFormatI422:
		return "I422"
	case PixelFormatI444:
		return "I444"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRA:
		return "BGRA"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420, PixelFormatI422, PixelFormatI444:
		return 3
	case PixelFormatI420A:
		return 4
	case PixelFormatNV12:
		return 2
	case PixelFormatRGBA, PixelFormatBGRA:
		return 1
	default:
		return 0
	}
}

// AudioFormat represents audio sample formats.
type AudioFormat int

const (
	AudioFormatUnknown AudioFormat = iota
	AudioFormatS16                 // Interleaved signed 16-bit PCM
	AudioFormatF32                 // Interleaved 32-bit float
	AudioFormatS16Planar
	AudioFormatF32Planar
)

func (a AudioFormat) String() string {
	switch a {
	case AudioFormatS16:
		return "s16"
	case AudioFormatF32:
		return "f32"
	case AudioFormatS16Planar:
		return "s16-planar"
	case AudioFormatF32Planar:
		return "f32-planar"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (a AudioFormat) BytesPerSample() int {
	switch a {
	case AudioFormatS16, AudioFormatS16Planar:
		return 2
	case AudioFormatF32, AudioFormatF32Planar:
		return 4
	default:
		return 0
	}
}

// VideoColorSpace describes how pixel values map to colors.
type VideoColorSpace struct {
	Primaries string
	Transfer  string
	Matrix    string
	FullRange bool
}

// VideoFrame represents a raw video frame.
// The Data slices may point to external memory (e.g., C memory via FFI).
// Callers must ensure the data remains valid for the lifetime of the frame.
type VideoFrame struct {
	Data       [][]byte    // Plane data (1-4 planes depending on format)
	Stride     []int       // Stride for each plane in bytes
	Width      int         // Coded width in pixels
	Height     int         // Coded height in pixels
	Format     PixelFormat // Pixel format
	Timestamp  int64       // Presentation timestamp in microseconds
	Duration   int64       // Duration in microseconds, 0 if unknown
	ColorSpace *VideoColorSpace
	Rotation   int  // Clockwise rotation in degrees: 0, 90, 180 or 270
	Flip       bool // Horizontal flip applied after rotation
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := *f
	clone.Data = make([][]byte, len(f.Data))
	clone.Stride = append([]int(nil), f.Stride...)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = append([]byte(nil), plane...)
		}
	}
	if f.ColorSpace != nil {
		cs := *f.ColorSpace
		clone.ColorSpace = &cs
	}
	return &clone
}

// AudioData represents raw audio samples.
type AudioData struct {
	Data       []byte      // Sample data; planar formats store planes back to back
	SampleRate int         // Sample rate (e.g., 48000)
	Channels   int         // Number of channels
	Frames     int         // Number of samples per channel
	Format     AudioFormat // Sample format
	Timestamp  int64       // Presentation timestamp in microseconds
}

// Duration returns the span covered by the samples in microseconds.
func (a *AudioData) Duration() int64 {
	if a.SampleRate <= 0 {
		return 0
	}
	return int64(a.Frames) * 1_000_000 / int64(a.SampleRate)
}

// Clone creates a deep copy of the audio data.
func (a *AudioData) Clone() *AudioData {
	clone := *a
	if a.Data != nil {
		clone.Data = append([]byte(nil), a.Data...)
	}
	return &clone
}

// ChunkType indicates whether a chunk is a keyframe or delta frame.
type ChunkType int

const (
	ChunkTypeUnknown ChunkType = iota
	ChunkTypeKey               // Can be decoded independently
	ChunkTypeDelta             // Requires previous chunks
)

func (t ChunkType) String() string {
	switch t {
	case ChunkTypeKey:
		return "key"
	case ChunkTypeDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Framing identifies how the bytes of an encoded chunk are delimited.
type Framing int

const (
	FramingUnknown        Framing = iota // Inferred from the configuration and payload
	FramingAnnexB                        // Start-code delimited NAL units
	FramingLengthPrefixed                // Length-prefixed NAL units
	FramingADTS                          // AAC with ADTS headers
	FramingRaw                           // Codec payload with no container framing
)

func (f Framing) String() string {
	switch f {
	case FramingAnnexB:
		return "annexb"
	case FramingLengthPrefixed:
		return "length-prefixed"
	case FramingADTS:
		return "adts"
	case FramingRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// EncodedChunk holds one encoded access unit.
type EncodedChunk struct {
	Type      ChunkType
	Timestamp int64 // Presentation timestamp in microseconds
	Duration  int64 // Duration in microseconds, 0 if unknown
	Data      []byte

	// Framing is an optional hint for decoders; encoders set it on output.
	Framing Framing

	owner *Buffer
}

// NewEncodedChunkFromBuffer returns a chunk whose payload is owned by buf.
// Decoding the chunk transfers the payload to the decoder: after Decode
// returns, Data is nil and buf is empty.
func NewEncodedChunkFromBuffer(t ChunkType, timestamp int64, buf *Buffer) *EncodedChunk {
	owned := buf.Transfer()
	return &EncodedChunk{Type: t, Timestamp: timestamp, Data: owned.Bytes(), owner: owned}
}

// transfer detaches the payload from c. Chunks built over a Buffer give up
// their bytes; other chunks keep them and the returned Buffer is nil.
func (c *EncodedChunk) transfer() *Buffer {
	if c.owner == nil {
		return nil
	}
	moved := c.owner.Transfer()
	c.owner = nil
	c.Data = nil
	return moved
}

// Release returns the payload of a buffer-backed chunk to its pool. It is a
// no-op for other chunks.
func (c *EncodedChunk) Release() {
	if c.owner != nil {
		c.owner.Release()
		c.owner = nil
		c.Data = nil
	}
}

// IsKey returns true if this is a keyframe.
func (c *EncodedChunk) IsKey() bool {
	return c.Type == ChunkTypeKey
}

// CopyTo copies the chunk payload into dst.
func (c *EncodedChunk) CopyTo(dst []byte) (int, error) {
	if len(dst) < len(c.Data) {
		return 0, ErrBufferTooSmall
	}
	return copy(dst, c.Data), nil
}

// Clone creates a deep copy of the chunk.
func (c *EncodedChunk) Clone() *EncodedChunk {
	clone := *c
	clone.owner = nil
	if c.Data != nil {
		clone.Data = append([]byte(nil), c.Data...)
	}
	return &clone
}

// DecoderConfig is the configuration a decoder needs to consume a stream.
// Encoders attach it to the first output of every configuration.
type DecoderConfig struct {
	Codec       string
	MimeType    string // Media type of the stream, "video/H264" for H.264
	Description []byte

	// Video
	CodedWidth  int
	CodedHeight int
	ColorSpace  *VideoColorSpace
	Rotation    int
	Flip        bool

	// Audio
	SampleRate int
	Channels   int
}

// ChunkMetadata accompanies encoded output.
type ChunkMetadata struct {
	// DecoderConfig is set on the first output after Configure and nil
	// otherwise.
	DecoderConfig *DecoderConfig

	TemporalLayerID int
}

// FrameMetadata accompanies decoded output.
type FrameMetadata struct {
	// Description is the decoder description in effect, set on the first
	// output after Configure and nil otherwise.
	Description []byte
}
