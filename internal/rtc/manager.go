package rtc

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/camera"
	"github.com/mikeyg42/roomcall/internal/media"
)

// Participant is one user's live media as the UI sees it. Values are
// immutable snapshots; the manager replaces the whole map on every
// change and never mutates a published entry.
//
// For remote entries the Audio track's Enabled flag gates playout at
// the rendering boundary: the renderer must check it before feeding
// samples out, because the engine keeps delivering the stream either
// way. Local outbound muting is handled inside the manager.
type Participant struct {
	UserID       string
	Video        media.Track
	Audio        media.Track
	Width        int
	Height       int
	FrontCamera  bool
	SpeakerMuted bool
}

// PeerState is one per-peer connection state transition, surfaced for
// observability. This stream is best-effort: it may drop under load.
type PeerState struct {
	UserID string
	State  webrtc.PeerConnectionState
}

// Connector produces engine connections for new peers.
type Connector interface {
	NewEngineConn() (EngineConn, error)
}

// CaptureSource acquires local media tracks.
type CaptureSource interface {
	AcquireVideo() (media.BindableTrack, error)
	AcquireVideoFrom(device camera.Device, format camera.Format) (media.BindableTrack, error)
	AcquireAudio() (media.BindableTrack, error)
}

// CameraSwitcher is the camera controller surface the manager needs.
type CameraSwitcher interface {
	SwitchCamera(done func(err error))
	UsingFrontCamera() bool
}

type pendingCandidate struct {
	candidate     string
	sdpMid        string
	sdpMLineIndex uint16
}

const actionQueueSize = 64
const stateStreamSize = 32

// Manager is the signaling orchestrator: the only component that
// mutates the participant map and the per-peer connection table. All
// mutating commands are serialized onto a single goroutine, FIFO, so a
// remote description application can never interleave with a candidate
// application for the same peer.
type Manager struct {
	log       *zap.Logger
	connector Connector
	capture   CaptureSource
	camera    CameraSwitcher
	observer  *media.ResolutionObserver

	ctx      context.Context
	cancel   context.CancelFunc
	actions  chan Action
	released atomic.Bool
	dropped  atomic.Uint64

	mu           sync.RWMutex
	selfID       string
	participants map[string]Participant
	peers        map[string]*Peer
	pending      map[string][]pendingCandidate
	watchers     []chan map[string]Participant
	localVideo   media.BindableTrack
	localAudio   media.BindableTrack
	speakerMuted bool

	events *signalQueue
	states chan PeerState
}

func NewManager(connector Connector, capture CaptureSource, cam CameraSwitcher, observer *media.ResolutionObserver) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:          zap.L().Named("rtc"),
		connector:    connector,
		capture:      capture,
		camera:       cam,
		observer:     observer,
		ctx:          ctx,
		cancel:       cancel,
		actions:      make(chan Action, actionQueueSize),
		participants: make(map[string]Participant),
		peers:        make(map[string]*Peer),
		pending:      make(map[string][]pendingCandidate),
		events:       newSignalQueue(),
		states:       make(chan PeerState, stateStreamSize),
	}
	go m.run()
	return m
}

// Dispatch enqueues one command. Safe from any goroutine; commands apply
// strictly in enqueue order. After Release it is a no-op.
func (m *Manager) Dispatch(action Action) {
	if m.released.Load() {
		return
	}
	select {
	case m.actions <- action:
	case <-m.ctx.Done():
	}
}

// Participants returns the current snapshot.
func (m *Manager) Participants() map[string]Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participants
}

// WatchParticipants returns a conflated stream of map snapshots: a slow
// reader always sees the latest state, never a partial update.
func (m *Manager) WatchParticipants() <-chan map[string]Participant {
	ch := make(chan map[string]Participant, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	snapshot := m.participants
	m.mu.Unlock()
	ch <- snapshot
	return ch
}

// Events returns the outbound signaling stream. Offers, answers and ICE
// candidates are delivered exactly once, in order, unbounded.
func (m *Manager) Events() <-chan SignalEvent {
	return m.events.events()
}

// StateChanges returns the per-peer connection state stream. Best-effort
// with drop-oldest overflow.
func (m *Manager) StateChanges() <-chan PeerState {
	return m.states
}

// DroppedSignals reports how many inbound signaling events referenced an
// unknown peer and were dropped.
func (m *Manager) DroppedSignals() uint64 {
	return m.dropped.Load()
}

// Release tears the session down unconditionally: it does not wait
// behind queued commands, and commands still in the queue become no-ops.
func (m *Manager) Release() {
	if m.released.Swap(true) {
		return
	}
	m.cancel()

	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.pending = make(map[string][]pendingCandidate)
	localVideo := m.localVideo
	localAudio := m.localAudio
	m.localVideo = nil
	m.localAudio = nil
	m.speakerMuted = false
	m.participants = make(map[string]Participant)
	watchers := m.watchers
	m.watchers = nil
	m.mu.Unlock()

	if localVideo != nil {
		_ = localVideo.Close()
	}
	if localAudio != nil {
		_ = localAudio.Close()
	}
	for _, p := range peers {
		p.Release()
	}
	if m.observer != nil {
		m.observer.Release()
	}

	empty := map[string]Participant{}
	for _, ch := range watchers {
		conflatedSend(ch, empty)
	}
	m.events.close()
	m.log.Info("released")
}

func (m *Manager) run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case action := <-m.actions:
			m.apply(action)
		}
	}
}

// apply executes one command. A panic in a handler must not take the
// queue down with it.
func (m *Manager) apply(action Action) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("command handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if m.released.Load() {
		return
	}

	switch a := action.(type) {
	case InitLocalMedia:
		m.initLocalMedia(a.UserID)
	case CreatePeerConnection:
		m.createPeer(a.UserID, a.Role)
	case SwitchCamera:
		m.switchCamera(a.UserID)
	case RemoveParticipant:
		m.removeParticipant(a.UserID)
	case ToggleVideo:
		m.withLocalVideo(func(t media.BindableTrack) {
			t.SetEnabled(a.Enabled)
			for _, p := range m.peerList() {
				p.SetLocalVideoEnabled(t, a.Enabled)
			}
		})
	case ToggleAudio:
		m.withLocalAudio(func(t media.BindableTrack) {
			t.SetEnabled(a.Enabled)
			for _, p := range m.peerList() {
				p.SetLocalAudioEnabled(t, a.Enabled)
			}
		})
	case RefreshVideo:
		m.refreshVideo(a.UserID)
	case RefreshAudio:
		m.refreshAudio(a.UserID)
	case SetSpeakerMute:
		m.setSpeakerMute(a.UserID, a.Muted)
	case SetOfferDescription:
		m.setOfferDescription(a.UserID, a.SDP)
	case SetAnswerDescription:
		m.setAnswerDescription(a.UserID, a.SDP)
	case SetICECandidate:
		m.handleICECandidate(a)
	default:
		m.log.Error("unhandled action type", zap.Any("action", action))
	}
}

func (m *Manager) initLocalMedia(userID string) {
	video, err := m.acquireVideoTrack(userID, true)
	if err != nil {
		m.log.Error("failed to start local video", zap.Error(err))
	}
	audio, err := m.acquireAudioTrack(true)
	if err != nil {
		m.log.Error("failed to start local audio", zap.Error(err))
	}

	m.mu.Lock()
	m.selfID = userID
	m.localVideo = video
	m.localAudio = audio
	m.speakerMuted = false
	m.mu.Unlock()

	front := false
	if m.camera != nil {
		front = m.camera.UsingFrontCamera()
	}
	m.updateParticipant(userID, func(p Participant) Participant {
		p.Video = trackOrNil(video)
		p.Audio = trackOrNil(audio)
		p.FrontCamera = front
		return p
	})
}

// acquireVideoTrack captures a new local video track, carries over the
// given enabled state and taps the track for resolution reports against
// the given user's map entry.
func (m *Manager) acquireVideoTrack(userID string, enabled bool) (media.BindableTrack, error) {
	track, err := m.capture.AcquireVideo()
	if err != nil {
		return nil, err
	}
	track.SetEnabled(enabled)
	m.observeResolution(track.ID(), userID)
	m.attachVideoToPeers(track)
	return track, nil
}

func (m *Manager) acquireAudioTrack(enabled bool) (media.BindableTrack, error) {
	track, err := m.capture.AcquireAudio()
	if err != nil {
		return nil, err
	}
	track.SetEnabled(enabled)
	for _, p := range m.peerList() {
		p.AddLocalAudioTrack(track)
	}
	return track, nil
}

func (m *Manager) attachVideoToPeers(track media.BindableTrack) {
	for _, p := range m.peerList() {
		p.AddLocalVideoTrack(track)
	}
}

func (m *Manager) peerList() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

func (m *Manager) observeResolution(trackID, userID string) {
	if m.observer == nil {
		return
	}
	m.observer.Attach(trackID, func(width, height int) {
		m.updateParticipant(userID, func(p Participant) Participant {
			p.Width = width
			p.Height = height
			return p
		})
	})
}

func (m *Manager) createPeer(userID string, role Role) {
	peer := NewPeer(userID, PeerCallbacks{
		OnRemoteVideo: func(track *media.RemoteTrack) {
			m.observeResolution(track.ID(), userID)
			if m.observer != nil {
				// Remote dimensions come from the peer's keyframes; the
				// pump ends when the track does.
				go media.PumpRemoteFrameSizes(track.Remote(), func(width, height int) {
					m.observer.Report(track.ID(), width, height)
				})
			}
			m.updateParticipant(userID, func(p Participant) Participant {
				p.Video = track
				return p
			})
		},
		OnRemoteAudio: func(track *media.RemoteTrack) {
			// Honor the speaker-mute state at the moment of arrival.
			m.mu.RLock()
			muted := m.speakerMuted
			m.mu.RUnlock()
			track.SetEnabled(!muted)
			m.updateParticipant(userID, func(p Participant) Participant {
				p.Audio = track
				return p
			})
		},
		EmitICECandidate: func(candidate, sdpMid string, sdpMLineIndex uint16) {
			m.events.push(SendICECandidate{
				To:            userID,
				Candidate:     candidate,
				SDPMid:        sdpMid,
				SDPMLineIndex: sdpMLineIndex,
			})
		},
		SendOffer: func(sdp string) {
			m.events.push(SendOffer{To: userID, SDP: sdp})
		},
		SendAnswer: func(sdp string) {
			m.events.push(SendAnswer{To: userID, SDP: sdp})
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			pushDropOldest(m.states, PeerState{UserID: userID, State: state})
		},
	})

	if err := peer.Connect(m.connector.NewEngineConn); err != nil {
		// Fatal for this peer only; everyone else is unaffected.
		m.log.Error("abandoning peer setup",
			zap.String("user", userID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.peers[userID] = peer
	localVideo := m.localVideo
	localAudio := m.localAudio
	m.mu.Unlock()

	peer.AddLocalAudioTrack(localAudio)
	peer.AddLocalVideoTrack(localVideo)

	if role == RoleOfferer {
		if err := peer.CreateOffer(); err != nil {
			m.log.Error("initial offer failed",
				zap.String("user", userID), zap.Error(err))
		}
	}
}

func (m *Manager) switchCamera(userID string) {
	if m.camera == nil {
		return
	}
	m.camera.SwitchCamera(func(err error) {
		if err != nil {
			m.log.Error("camera switch failed", zap.Error(err))
			return
		}
		// Authoritative facing comes from the controller's completion,
		// never from the request.
		m.updateParticipant(userID, func(p Participant) Participant {
			p.FrontCamera = m.camera.UsingFrontCamera()
			return p
		})
	})
}

func (m *Manager) removeParticipant(userID string) {
	m.mu.Lock()
	peer, hadPeer := m.peers[userID]
	delete(m.peers, userID)
	delete(m.pending, userID)

	if _, exists := m.participants[userID]; exists {
		next := make(map[string]Participant, len(m.participants))
		for id, p := range m.participants {
			if id != userID {
				next[id] = p
			}
		}
		m.participants = next
	}
	snapshot := m.participants
	watchers := m.watchers
	m.mu.Unlock()

	if hadPeer {
		peer.Release()
	}
	for _, ch := range watchers {
		conflatedSend(ch, snapshot)
	}
}

func (m *Manager) withLocalVideo(fn func(t media.BindableTrack)) {
	m.mu.RLock()
	track := m.localVideo
	m.mu.RUnlock()
	if track != nil {
		fn(track)
	}
}

func (m *Manager) withLocalAudio(fn func(t media.BindableTrack)) {
	m.mu.RLock()
	track := m.localAudio
	m.mu.RUnlock()
	if track != nil {
		fn(track)
	}
}

func (m *Manager) refreshVideo(userID string) {
	m.mu.Lock()
	old := m.localVideo
	m.mu.Unlock()
	enabled := true
	if old != nil {
		enabled = old.Enabled()
		if m.observer != nil {
			m.observer.Detach(old.ID())
		}
		_ = old.Close()
	}

	track, err := m.acquireVideoTrack(userID, enabled)
	if err != nil {
		m.log.Error("video refresh failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.localVideo = track
	m.mu.Unlock()
	m.updateParticipant(userID, func(p Participant) Participant {
		p.Video = track
		return p
	})
}

func (m *Manager) refreshAudio(userID string) {
	m.mu.Lock()
	old := m.localAudio
	m.mu.Unlock()
	enabled := true
	if old != nil {
		enabled = old.Enabled()
		_ = old.Close()
	}

	track, err := m.acquireAudioTrack(enabled)
	if err != nil {
		m.log.Error("audio refresh failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.localAudio = track
	m.mu.Unlock()
	m.updateParticipant(userID, func(p Participant) Participant {
		p.Audio = track
		return p
	})
}

// setSpeakerMute records the flag for self and gates every other
// participant's incoming audio. Self's own outgoing audio is untouched.
func (m *Manager) setSpeakerMute(userID string, muted bool) {
	m.mu.Lock()
	m.speakerMuted = muted
	m.mu.Unlock()

	m.updateParticipant(userID, func(p Participant) Participant {
		p.SpeakerMuted = muted
		return p
	})

	m.mu.RLock()
	others := make([]media.Track, 0, len(m.participants))
	for id, p := range m.participants {
		if id != userID && p.Audio != nil {
			others = append(others, p.Audio)
		}
	}
	m.mu.RUnlock()
	for _, audio := range others {
		audio.SetEnabled(!muted)
	}
}

func (m *Manager) setOfferDescription(userID, sdp string) {
	peer := m.peer(userID)
	if peer == nil {
		m.dropUnknown("offer", userID)
		return
	}
	// The remote offer must be applied before the engine is asked for
	// an answer; it cannot answer outside the have-remote-offer state.
	if err := m.setRemoteDescription(peer, userID, sdp, true); err != nil {
		m.log.Error("applying remote offer", zap.String("user", userID), zap.Error(err))
		return
	}
	if err := peer.CreateAnswer(); err != nil {
		m.log.Error("answering offer", zap.String("user", userID), zap.Error(err))
	}
}

func (m *Manager) setAnswerDescription(userID, sdp string) {
	peer := m.peer(userID)
	if peer == nil {
		m.dropUnknown("answer", userID)
		return
	}
	if err := m.setRemoteDescription(peer, userID, sdp, false); err != nil {
		m.log.Error("applying remote answer", zap.String("user", userID), zap.Error(err))
	}
}

// setRemoteDescription applies the description, then drains that peer's
// pending candidate buffer in arrival order, exactly once.
func (m *Manager) setRemoteDescription(peer *Peer, userID, sdp string, isOffer bool) error {
	if err := peer.SetRemoteDescription(sdp, isOffer); err != nil {
		return err
	}

	m.mu.Lock()
	buffered := m.pending[userID]
	delete(m.pending, userID)
	m.mu.Unlock()

	for _, c := range buffered {
		if err := peer.AddICECandidate(c.candidate, c.sdpMid, c.sdpMLineIndex); err != nil {
			m.log.Error("applying buffered candidate",
				zap.String("user", userID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) handleICECandidate(a SetICECandidate) {
	peer := m.peer(a.UserID)
	if peer == nil {
		m.dropUnknown("ice candidate", a.UserID)
		return
	}
	if !peer.HasRemoteDescription() {
		m.mu.Lock()
		m.pending[a.UserID] = append(m.pending[a.UserID], pendingCandidate{
			candidate:     a.Candidate,
			sdpMid:        a.SDPMid,
			sdpMLineIndex: a.SDPMLineIndex,
		})
		m.mu.Unlock()
		return
	}
	if err := peer.AddICECandidate(a.Candidate, a.SDPMid, a.SDPMLineIndex); err != nil {
		m.log.Error("applying candidate", zap.String("user", a.UserID), zap.Error(err))
	}
}

func (m *Manager) peer(userID string) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[userID]
}

// dropUnknown records a signaling event for a peer we do not know yet.
// Dropping is the current policy; the counter keeps it observable.
func (m *Manager) dropUnknown(kind, userID string) {
	m.dropped.Add(1)
	m.log.Debug("dropping signaling event for unknown peer",
		zap.String("kind", kind), zap.String("user", userID))
}

// updateParticipant applies fn to the user's entry (created if missing)
// and publishes the new snapshot. Copy-on-write: the previous map is
// never touched, so concurrent readers only ever see complete states.
func (m *Manager) updateParticipant(userID string, fn func(Participant) Participant) {
	m.mu.Lock()
	current, ok := m.participants[userID]
	if !ok {
		current = Participant{UserID: userID}
	}
	next := make(map[string]Participant, len(m.participants)+1)
	for id, p := range m.participants {
		next[id] = p
	}
	next[userID] = fn(current)
	m.participants = next
	watchers := m.watchers
	m.mu.Unlock()

	for _, ch := range watchers {
		conflatedSend(ch, next)
	}
}

// swapVideoDevice re-acquires local video from a specific camera after a
// confirmed device switch, replacing the shared track and reattaching it
// to every peer. Runs on the command goroutine via the switch driver.
func (m *Manager) swapVideoDevice(device camera.Device, format camera.Format) error {
	m.mu.RLock()
	old := m.localVideo
	selfID := m.selfID
	m.mu.RUnlock()

	enabled := true
	if old != nil {
		enabled = old.Enabled()
		if m.observer != nil {
			m.observer.Detach(old.ID())
		}
		_ = old.Close()
	}

	track, err := m.capture.AcquireVideoFrom(device, format)
	if err != nil {
		return err
	}
	track.SetEnabled(enabled)
	m.observeResolution(track.ID(), selfID)
	m.attachVideoToPeers(track)

	m.mu.Lock()
	m.localVideo = track
	m.mu.Unlock()
	m.updateParticipant(selfID, func(p Participant) Participant {
		p.Video = track
		return p
	})
	return nil
}

func trackOrNil(t media.BindableTrack) media.Track {
	if t == nil {
		return nil
	}
	return t
}

// conflatedSend replaces any undelivered snapshot with the newest one.
func conflatedSend(ch chan map[string]Participant, snapshot map[string]Participant) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// pushDropOldest keeps the state stream flowing under a slow consumer by
// shedding the oldest entry. Acceptable here: this stream is telemetry,
// not signaling.
func pushDropOldest(ch chan PeerState, s PeerState) {
	for {
		select {
		case ch <- s:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
