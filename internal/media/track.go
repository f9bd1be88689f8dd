package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// TrackKind identifies a track as audio or video.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is the minimal handle the call state machine keeps per media
// track. Local capture tracks and remote engine tracks both satisfy it,
// so the participant record does not care where a track came from.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// BindableTrack is a local track that can be attached to a peer
// connection.
type BindableTrack interface {
	Track
	Bindable() webrtc.TrackLocal
}

// LocalTrack wraps a mediadevices capture track so it can be attached to
// peer connections and toggled without touching the capture pipeline.
type LocalTrack struct {
	id      string
	kind    TrackKind
	inner   mediadevices.Track
	enabled atomic.Bool
	once    sync.Once
	stop    func()
	log     *zap.Logger
}

func newLocalTrack(inner mediadevices.Track, kind TrackKind, stop func()) *LocalTrack {
	t := &LocalTrack{
		id:    inner.ID(),
		kind:  kind,
		inner: inner,
		stop:  stop,
		log:   zap.L().Named("media"),
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string      { return t.id }
func (t *LocalTrack) Kind() TrackKind { return t.kind }

// SetEnabled toggles the track without releasing the capture device, the
// same contract as muting a hardware source.
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// Bindable exposes the underlying engine track for peer attachment.
func (t *LocalTrack) Bindable() webrtc.TrackLocal { return t.inner }

// Close stops the frame pump and releases the capture track. Safe to call
// more than once; errors are logged and swallowed so teardown never
// propagates.
func (t *LocalTrack) Close() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
		if err := t.inner.Close(); err != nil {
			t.log.Warn("closing local track", zap.String("track", t.id), zap.Error(err))
		}
	})
	return nil
}

// RemoteTrack wraps an engine remote track. Enabled gates playout at the
// rendering boundary; the track's lifetime belongs to the engine, so
// Close is a no-op.
type RemoteTrack struct {
	inner   *webrtc.TrackRemote
	kind    TrackKind
	enabled atomic.Bool
}

// NewRemoteTrack adopts a track delivered by the engine's OnTrack callback.
func NewRemoteTrack(inner *webrtc.TrackRemote) *RemoteTrack {
	kind := TrackKindAudio
	if inner.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackKindVideo
	}
	t := &RemoteTrack{inner: inner, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *RemoteTrack) ID() string                  { return t.inner.ID() }
func (t *RemoteTrack) Kind() TrackKind             { return t.kind }
func (t *RemoteTrack) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *RemoteTrack) Enabled() bool               { return t.enabled.Load() }
func (t *RemoteTrack) Close() error                { return nil }
func (t *RemoteTrack) Remote() *webrtc.TrackRemote { return t.inner }
