// Package webcodecs provides WebCodecs-style encoders and decoders in Go,
// backed by a native codec engine (libmedia_codec).
//
// Key pieces include:
//   - VideoEncoder, VideoDecoder, AudioEncoder and AudioDecoder sessions
//   - Container framing: avcC, hvcC, AudioSpecificConfig, Annex B and ADTS
//   - A pipeline selector that orders hardware methods and falls back
//   - Bounded pools for hardware contexts and byte buffers
//
// # Architecture
//
//	Encode: VideoFrame/AudioData -> session -> native engine -> framer -> EncodedChunk
//	Decode: EncodedChunk -> framer -> session -> native engine -> VideoFrame/AudioData
//
// Every session runs on a Runtime, which owns the pipeline selector, the
// capability snapshot, the pools and the metrics. DefaultRuntime is built on
// first use from the YAML file named by WEBCODECS_CONFIG, if set.
//
// # Sessions
//
// A session is unconfigured, configured or closed. Configure validates the
// config synchronously, resolves a pipeline and starts a drain goroutine
// that delivers outputs to the output callback. Encode and Decode never
// block on the engine: at most the configured queue size of units may be
// pending, after which ErrQuotaExceeded is returned. Flush waits for the
// engine to drain, bounded by the runtime flush timeout.
//
// # Native Libraries
//
// The engine binding loads libmedia_codec with purego (CGO_ENABLED=0).
// Set MEDIA_CODEC_LIB_PATH to the library file or MEDIA_SDK_LIB_PATH to the
// directory containing it. Without the library, sessions fail to configure
// with ErrNotSupported; tests and embedders can register their own engine
// with RegisterEngineFactory or WithEngineFactory.
//
// # Build Tags
//
//   - nomediacodec: do not bind the native engine
//
// # Supported Codecs
//
// Video: H.264, H.265, VP8, VP9, AV1
// Audio: AAC, Opus
// Availability depends on the engine and the hardware present at runtime.
package webcodecs
