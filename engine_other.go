//go:build !(darwin || linux) || nomediacodec

package webcodecs

// IsNativeEngineAvailable reports false: libmedia_codec bindings are only
// built for darwin and linux. Sessions need an engine factory registered
// with RegisterEngineFactory or passed through a Runtime.
func IsNativeEngineAvailable() bool {
	return false
}
