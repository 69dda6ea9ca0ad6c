package callsync

import (
	"github.com/pion/mediadevices"

	"github.com/pion/mediadevices/pkg/codec/opus" // This is required to use opus audio encoder
	"github.com/pion/mediadevices/pkg/codec/x264" // This is required to use h264 video encoder
	webrtc "github.com/pion/webrtc/v3"

	// Note: If you don't have a camera or microphone or your adapters are not supported,
	//       you can always swap your adapters with the dummy adapters below.
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/videotest"
)

// MediaDevicesWrapper owns the codec configuration and hands out capture
// streams for calls. One wrapper is shared by every call the engine runs.
type MediaDevicesWrapper struct {
	CodecSelector *mediadevices.CodecSelector
}

func NewMediaDevicesWrapper() *MediaDevicesWrapper {
	mdw := &MediaDevicesWrapper{}

	// configure codec specific parameters
	x264Params, _ := x264.NewParams()
	x264Params.Preset = x264.PresetMedium
	x264Params.BitRate = 1_000_000 // 1mbps

	opusParams, _ := opus.NewParams()

	mdw.CodecSelector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&x264Params),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return mdw
}

// GetUserMedia acquires the local capture devices for a call of the given
// kind: microphone always, camera only for video calls. The returned stream
// is exclusively owned by one call's negotiation context.
func (mdw *MediaDevicesWrapper) GetUserMedia(kind MediaKind) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: mdw.CodecSelector, // let GetUserMedia know available codecs
	}
	if kind == MediaVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}
	return mediadevices.GetUserMedia(constraints)
}

// NewWebrtcAPI builds a pion API with a media engine that knows the codecs
// the selector can actually encode.
func (mdw *MediaDevicesWrapper) NewWebrtcAPI() *webrtc.API {
	mediaEngine := webrtc.MediaEngine{}
	mdw.CodecSelector.Populate(&mediaEngine)
	return webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
}
