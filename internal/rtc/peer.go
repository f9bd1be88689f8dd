package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/media"
)

// TrackSender is the engine-side sender for one attached local track.
// *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// EngineConn is the slice of *webrtc.PeerConnection the peer state
// machine drives. Kept narrow so tests can substitute a recording fake.
type EngineConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// PeerCallbacks wires one peer's engine events back into the manager.
// All callbacks may fire on engine goroutines.
type PeerCallbacks struct {
	OnRemoteVideo    func(track *media.RemoteTrack)
	OnRemoteAudio    func(track *media.RemoteTrack)
	EmitICECandidate func(candidate, sdpMid string, sdpMLineIndex uint16)
	SendOffer        func(sdp string)
	SendAnswer       func(sdp string)
	OnStateChange    func(state webrtc.PeerConnectionState)
}

// Peer owns exactly one remote participant's ICE/SDP negotiation and
// media attachment. It is created fresh for every participant; a peer
// that left and rejoined gets a new instance.
type Peer struct {
	userID string
	log    *zap.Logger
	cb     PeerCallbacks

	mu                   sync.Mutex
	conn                 EngineConn
	senders              map[string]TrackSender
	remoteDescriptionSet bool
	released             bool
}

func NewPeer(userID string, cb PeerCallbacks) *Peer {
	return &Peer{
		userID:  userID,
		log:     zap.L().Named("peer").With(zap.String("user", userID)),
		cb:      cb,
		senders: make(map[string]TrackSender),
	}
}

// Connect instantiates the underlying engine connection and wires its
// callbacks. Failure here is fatal for this peer only; the caller must
// drop the attempt.
func (p *Peer) Connect(connect func() (EngineConn, error)) error {
	conn, err := connect()
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("peer connection creation returned nil for %s", p.userID)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	conn.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		track := media.NewRemoteTrack(remote)
		switch track.Kind() {
		case media.TrackKindVideo:
			if p.cb.OnRemoteVideo != nil {
				p.cb.OnRemoteVideo(track)
			}
		case media.TrackKindAudio:
			if p.cb.OnRemoteAudio != nil {
				p.cb.OnRemoteAudio(track)
			}
		}
	})

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// nil marks the end of gathering, nothing to forward.
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		var mline uint16
		if init.SDPMLineIndex != nil {
			mline = *init.SDPMLineIndex
		}
		if p.cb.EmitICECandidate != nil {
			p.cb.EmitICECandidate(init.Candidate, mid, mline)
		}
	})

	conn.OnNegotiationNeeded(func() {
		// Only renegotiate once the initial exchange has settled; an
		// incomplete exchange already has a negotiation in flight.
		if !p.ExchangeComplete() {
			return
		}
		if err := p.CreateOffer(); err != nil {
			p.log.Error("renegotiation offer failed", zap.Error(err))
		}
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("connection state changed", zap.String("state", state.String()))
		if p.cb.OnStateChange != nil {
			p.cb.OnStateChange(state)
		}
	})

	return nil
}

// AddLocalVideoTrack attaches the local video track if non-nil. On a
// refresh the new track is swapped onto the existing sender, so the
// stale one detaches instead of piling up another media section.
func (p *Peer) AddLocalVideoTrack(track media.BindableTrack) {
	p.addLocalTrack(track, "video")
}

// AddLocalAudioTrack attaches the local audio track if non-nil.
func (p *Peer) AddLocalAudioTrack(track media.BindableTrack) {
	p.addLocalTrack(track, "audio")
}

func (p *Peer) addLocalTrack(track media.BindableTrack, kind string) {
	if track == nil {
		return
	}
	conn := p.engineConn()
	if conn == nil {
		return
	}
	if sender := p.sender(kind); sender != nil {
		if err := sender.ReplaceTrack(p.bindableOrNil(track)); err != nil {
			p.log.Error("failed to replace local track",
				zap.String("kind", kind), zap.Error(err))
		}
		return
	}
	sender, err := conn.AddTrack(track.Bindable())
	if err != nil {
		p.log.Error("failed to add local track",
			zap.String("kind", kind), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.senders[kind] = sender
	p.mu.Unlock()
	if !track.Enabled() {
		// Keep the media section but send nothing until re-enabled.
		if err := sender.ReplaceTrack(nil); err != nil {
			p.log.Error("failed to pause local track",
				zap.String("kind", kind), zap.Error(err))
		}
	}
}

// SetLocalVideoEnabled gates the outbound video path. Disabled swaps the
// sender's track for nil so no frames leave the machine; enabled swaps
// the live track back in. Neither direction needs renegotiation.
func (p *Peer) SetLocalVideoEnabled(track media.BindableTrack, enabled bool) {
	p.setLocalTrackEnabled(track, "video", enabled)
}

// SetLocalAudioEnabled gates the outbound audio path.
func (p *Peer) SetLocalAudioEnabled(track media.BindableTrack, enabled bool) {
	p.setLocalTrackEnabled(track, "audio", enabled)
}

func (p *Peer) setLocalTrackEnabled(track media.BindableTrack, kind string, enabled bool) {
	if track == nil {
		return
	}
	sender := p.sender(kind)
	if sender == nil {
		return
	}
	var next webrtc.TrackLocal
	if enabled {
		next = track.Bindable()
	}
	if err := sender.ReplaceTrack(next); err != nil {
		p.log.Error("failed to toggle local track",
			zap.String("kind", kind), zap.Error(err))
	}
}

func (p *Peer) sender(kind string) TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[kind]
}

func (p *Peer) bindableOrNil(track media.BindableTrack) webrtc.TrackLocal {
	if !track.Enabled() {
		return nil
	}
	return track.Bindable()
}

// CreateOffer asks the engine for an offer, installs it as the local
// description and hands the SDP to the outbound path.
func (p *Peer) CreateOffer() error {
	conn := p.engineConn()
	if conn == nil {
		return fmt.Errorf("peer %s has no connection", p.userID)
	}
	offer, err := conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", p.userID, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", p.userID, err)
	}
	if p.cb.SendOffer != nil {
		p.cb.SendOffer(offer.SDP)
	}
	return nil
}

// CreateAnswer asks the engine for an answer. The remote offer must
// already be applied: the engine cannot answer outside the
// have-remote-offer state.
func (p *Peer) CreateAnswer() error {
	conn := p.engineConn()
	if conn == nil {
		return fmt.Errorf("peer %s has no connection", p.userID)
	}
	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", p.userID, err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", p.userID, err)
	}
	if p.cb.SendAnswer != nil {
		p.cb.SendAnswer(answer.SDP)
	}
	return nil
}

// SetRemoteDescription applies the remote offer or answer and marks the
// peer ready for direct ICE candidate application.
func (p *Peer) SetRemoteDescription(sdp string, isOffer bool) error {
	conn := p.engineConn()
	if conn == nil {
		return fmt.Errorf("peer %s has no connection", p.userID)
	}
	descType := webrtc.SDPTypeAnswer
	if isOffer {
		descType = webrtc.SDPTypeOffer
	}
	if err := conn.SetRemoteDescription(webrtc.SessionDescription{Type: descType, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description for %s: %w", p.userID, err)
	}
	p.mu.Lock()
	p.remoteDescriptionSet = true
	p.mu.Unlock()
	return nil
}

// AddICECandidate applies a candidate directly. The caller guarantees a
// remote description is already set; earlier candidates belong in the
// manager's pending buffer instead.
func (p *Peer) AddICECandidate(candidate, sdpMid string, sdpMLineIndex uint16) error {
	conn := p.engineConn()
	if conn == nil {
		return fmt.Errorf("peer %s has no connection", p.userID)
	}
	mid := sdpMid
	mline := sdpMLineIndex
	return conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})
}

// HasRemoteDescription reports whether an offer or answer has been
// applied; the manager buffers candidates until then.
func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDescriptionSet
}

// ExchangeComplete reports whether the offer/answer exchange has settled.
func (p *Peer) ExchangeComplete() bool {
	p.mu.Lock()
	conn := p.conn
	set := p.remoteDescriptionSet
	p.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.SignalingState() == webrtc.SignalingStateStable && set
}

// Release disposes the engine connection. Never propagates: teardown
// errors are logged and swallowed.
func (p *Peer) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	conn := p.conn
	p.conn = nil
	p.senders = nil
	p.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.log.Warn("error during peer release", zap.Error(err))
	}
}

func (p *Peer) engineConn() EngineConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}
