package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE

	"github.com/mikeyg42/roomcall/internal/config"
)

// NewCodecSelector builds the VP8/Opus codec selector shared by the
// capture pipeline and the peer connection factory.
func NewCodecSelector(video config.VideoConfig, audio config.AudioConfig) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = video.BitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = audio.BitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Capturer acquires local audio and video tracks from the hardware.
// Video tracks are tapped for frame dimensions and feed the resolution
// observer as frames arrive.
type Capturer struct {
	log      *zap.Logger
	selector *mediadevices.CodecSelector
	audio    config.AudioConfig
	observer *ResolutionObserver
}

func NewCapturer(audio config.AudioConfig, selector *mediadevices.CodecSelector, observer *ResolutionObserver) *Capturer {
	return &Capturer{
		log:      zap.L().Named("capture"),
		selector: selector,
		audio:    audio,
		observer: observer,
	}
}

// NewVideoTrack starts camera capture on the given device at the given
// format and returns the track with its frame pump running.
func (c *Capturer) NewVideoTrack(deviceID string, width, height, framerate int) (*LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			mt.DeviceID = prop.String(deviceID)
			mt.Width = prop.Int(width)
			mt.Height = prop.Int(height)
			mt.FrameRate = prop.Float(float64(framerate))
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user media for video: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no video track in capture stream")
	}

	stop := make(chan struct{})
	track := newLocalTrack(tracks[0], TrackKindVideo, func() { close(stop) })

	if videoTrack, ok := tracks[0].(*mediadevices.VideoTrack); ok {
		go c.pumpFrameSizes(videoTrack, track.ID(), stop)
	}

	c.log.Info("video capture started",
		zap.String("device", deviceID),
		zap.Int("width", width),
		zap.Int("height", height))
	return track, nil
}

// NewAudioTrack starts microphone capture and returns the track.
func (c *Capturer) NewAudioTrack() (*LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mt *mediadevices.MediaTrackConstraints) {
			mt.SampleRate = prop.Int(c.audio.SampleRate)
			mt.ChannelCount = prop.Int(1)
			mt.SampleSize = prop.Int(16)
			mt.IsFloat = prop.BoolExact(false)
			mt.IsBigEndian = prop.BoolExact(false)
			mt.IsInterleaved = prop.BoolExact(true)
			mt.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user media for audio: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track in capture stream")
	}

	c.log.Info("audio capture started", zap.Int("sample_rate", c.audio.SampleRate))
	return newLocalTrack(tracks[0], TrackKindAudio, nil), nil
}

// pumpFrameSizes reads raw frames off the track and reports their bounds
// to the resolution observer until the track is stopped.
func (c *Capturer) pumpFrameSizes(track *mediadevices.VideoTrack, trackID string, stop <-chan struct{}) {
	reader := track.NewReader(false)
	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, release, err := reader.Read()
		if err != nil {
			// The track was closed underneath us; nothing left to report.
			return
		}
		bounds := frame.Bounds()
		c.observer.Report(trackID, bounds.Dx(), bounds.Dy())
		release()
	}
}
