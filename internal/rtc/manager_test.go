package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/roomcall/internal/camera"
	"github.com/mikeyg42/roomcall/internal/media"
)

// fakeConn records every engine call and mimics the signaling state
// transitions of a real peer connection, including refusing to answer
// before a remote offer is applied.
type fakeConn struct {
	mu          sync.Mutex
	ops         []string
	state       webrtc.SignalingState
	remoteSet   bool
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	senders     map[string]*fakeSender
	closed      int

	onICE   func(*webrtc.ICECandidate)
	onNeg   func()
	onState func(webrtc.PeerConnectionState)
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: webrtc.SignalingStateStable}
}

func (c *fakeConn) record(op string) {
	c.ops = append(c.ops, op)
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot answer in state %s", c.state)
	}
	c.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-local:" + desc.Type.String())
	if desc.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-remote:" + desc.Type.String())
	c.remoteDescs = append(c.remoteDescs, desc)
	c.remoteSet = true
	if desc.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errors.New("no remote description")
	}
	c.record("add-candidate")
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add-track:" + track.Kind().String())
	c.tracks = append(c.tracks, track)
	s := &fakeSender{current: track}
	if c.senders == nil {
		c.senders = make(map[string]*fakeSender)
	}
	c.senders[track.Kind().String()] = s
	return s, nil
}

func (c *fakeConn) sender(kind string) *fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

type fakeSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
	swaps   int
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = track
	s.swaps++
	return nil
}

func (s *fakeSender) currentTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (c *fakeConn) OnICECandidate(f func(*webrtc.ICECandidate))            { c.onICE = f }
func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (c *fakeConn) OnNegotiationNeeded(f func())                           { c.onNeg = f }
func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.onState = f
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) opList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) candidateList() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeConnector) NewEngineConn() (EngineConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type fakeTrackLocal struct {
	id   string
	kind webrtc.RTPCodecType
}

func (f fakeTrackLocal) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f fakeTrackLocal) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f fakeTrackLocal) ID() string                            { return f.id }
func (f fakeTrackLocal) RID() string                           { return "" }
func (f fakeTrackLocal) StreamID() string                      { return "local" }
func (f fakeTrackLocal) Kind() webrtc.RTPCodecType             { return f.kind }

type fakeLocalTrack struct {
	id      string
	kind    media.TrackKind
	enabled atomic.Bool
	closed  atomic.Bool
}

func newFakeLocalTrack(id string, kind media.TrackKind) *fakeLocalTrack {
	t := &fakeLocalTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeLocalTrack) ID() string              { return t.id }
func (t *fakeLocalTrack) Kind() media.TrackKind   { return t.kind }
func (t *fakeLocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeLocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeLocalTrack) Close() error            { t.closed.Store(true); return nil }
func (t *fakeLocalTrack) Bindable() webrtc.TrackLocal {
	kind := webrtc.RTPCodecTypeAudio
	if t.kind == media.TrackKindVideo {
		kind = webrtc.RTPCodecTypeVideo
	}
	return fakeTrackLocal{id: t.id, kind: kind}
}

type fakeCapture struct {
	mu       sync.Mutex
	videoSeq int
	audioSeq int
	videos   []*fakeLocalTrack
	audios   []*fakeLocalTrack
	devices  []camera.Device
	failAll  bool
}

func (f *fakeCapture) AcquireVideo() (media.BindableTrack, error) {
	return f.AcquireVideoFrom(camera.Device{ID: "default"}, camera.Format{})
}

func (f *fakeCapture) AcquireVideoFrom(device camera.Device, _ camera.Format) (media.BindableTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("capture unavailable")
	}
	f.videoSeq++
	track := newFakeLocalTrack(fmt.Sprintf("video-%d", f.videoSeq), media.TrackKindVideo)
	f.videos = append(f.videos, track)
	f.devices = append(f.devices, device)
	return track, nil
}

func (f *fakeCapture) AcquireAudio() (media.BindableTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("capture unavailable")
	}
	f.audioSeq++
	track := newFakeLocalTrack(fmt.Sprintf("audio-%d", f.audioSeq), media.TrackKindAudio)
	f.audios = append(f.audios, track)
	return track, nil
}

type fakeSwitcher struct {
	mu      sync.Mutex
	front   bool
	pending []func(error)
}

func (f *fakeSwitcher) SwitchCamera(done func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, done)
}

func (f *fakeSwitcher) UsingFrontCamera() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.front
}

func (f *fakeSwitcher) complete(t *testing.T, err error) {
	t.Helper()
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		t.Fatal("no camera switch pending")
	}
	done := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	done(err)
}

func newTestManager(t *testing.T) (*Manager, *fakeConnector, *fakeCapture, *fakeSwitcher) {
	t.Helper()
	connector := &fakeConnector{}
	capture := &fakeCapture{}
	switcher := &fakeSwitcher{}
	observer := media.NewResolutionObserver(func() media.Orientation { return media.OrientationLandscape })
	m := NewManager(connector, capture, switcher, observer)
	t.Cleanup(m.Release)
	return m, connector, capture, switcher
}

func nextEvent(t *testing.T, ch <-chan SignalEvent) SignalEvent {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal event")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOffererSendsInitialOffer(t *testing.T) {
	m, connector, _, _ := newTestManager(t)
	events := m.Events()

	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleOfferer})

	e := nextEvent(t, events)
	offer, ok := e.(SendOffer)
	if !ok {
		t.Fatalf("expected SendOffer, got %T", e)
	}
	if offer.To != "alice" || offer.SDP != "offer-sdp" {
		t.Fatalf("unexpected offer %+v", offer)
	}

	// Local tracks must be attached before the offer is produced, or
	// the SDP would carry no media sections.
	ops := connector.conn(0).opList()
	want := []string{"add-track:audio", "add-track:video", "create-offer", "set-local:offer"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full: %v)", i, ops[i], want[i], ops)
		}
	}
}

func TestAnswerFollowsRemoteOffer(t *testing.T) {
	m, connector, _, _ := newTestManager(t)
	events := m.Events()

	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	m.apply(SetOfferDescription{UserID: "alice", SDP: "alice-offer"})

	e := nextEvent(t, events)
	answer, ok := e.(SendAnswer)
	if !ok {
		t.Fatalf("expected SendAnswer, got %T", e)
	}
	if answer.To != "alice" || answer.SDP != "answer-sdp" {
		t.Fatalf("unexpected answer %+v", answer)
	}

	conn := connector.conn(0)
	ops := conn.opList()
	remoteAt, answerAt := -1, -1
	for i, op := range ops {
		switch op {
		case "set-remote:offer":
			remoteAt = i
		case "create-answer":
			answerAt = i
		}
	}
	if remoteAt == -1 || answerAt == -1 || remoteAt > answerAt {
		t.Fatalf("remote offer must be applied before answering: %v", ops)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, connector, _, _ := newTestManager(t)

	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	for i := 0; i < 3; i++ {
		m.apply(SetICECandidate{
			UserID:        "alice",
			Candidate:     fmt.Sprintf("candidate-%d", i),
			SDPMid:        "0",
			SDPMLineIndex: 0,
		})
	}
	if got := conn.candidateList(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	m.apply(SetOfferDescription{UserID: "alice", SDP: "alice-offer"})

	got := conn.candidateList()
	if len(got) != 3 {
		t.Fatalf("expected 3 flushed candidates, got %d", len(got))
	}
	for i, c := range got {
		if want := fmt.Sprintf("candidate-%d", i); c.Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q", i, c.Candidate, want)
		}
	}

	// Once the description is in, candidates go straight through.
	m.apply(SetICECandidate{UserID: "alice", Candidate: "candidate-late", SDPMid: "0"})
	got = conn.candidateList()
	if len(got) != 4 || got[3].Candidate != "candidate-late" {
		t.Fatalf("late candidate not applied directly: %v", got)
	}
}

func TestBufferedCandidatesFlushOnlyOnce(t *testing.T) {
	m, connector, _, _ := newTestManager(t)

	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	m.apply(SetICECandidate{UserID: "alice", Candidate: "buffered", SDPMid: "0"})
	m.apply(SetOfferDescription{UserID: "alice", SDP: "offer-1"})
	// A renegotiation offer must not replay the old buffer.
	m.apply(SetOfferDescription{UserID: "alice", SDP: "offer-2"})

	if got := connector.conn(0).candidateList(); len(got) != 1 {
		t.Fatalf("buffered candidate flushed %d times, want 1", len(got))
	}
}

func TestUnknownPeerSignalsDropped(t *testing.T) {
	m, connector, _, _ := newTestManager(t)

	m.apply(SetICECandidate{UserID: "ghost", Candidate: "c"})
	m.apply(SetOfferDescription{UserID: "ghost", SDP: "sdp"})
	m.apply(SetAnswerDescription{UserID: "ghost", SDP: "sdp"})

	if got := m.DroppedSignals(); got != 3 {
		t.Fatalf("DroppedSignals = %d, want 3", got)
	}
	if connector.count() != 0 {
		t.Fatal("unknown-peer events must not create connections")
	}
}

func TestEngineFailureAbandonsOnlyThatPeer(t *testing.T) {
	m, connector, _, _ := newTestManager(t)

	connector.mu.Lock()
	connector.err = errors.New("engine exploded")
	connector.mu.Unlock()
	m.apply(CreatePeerConnection{UserID: "bob", Role: RoleOfferer})

	connector.mu.Lock()
	connector.err = nil
	connector.mu.Unlock()
	m.apply(CreatePeerConnection{UserID: "carol", Role: RoleAnswerer})

	if m.peer("bob") != nil {
		t.Fatal("failed peer must not be stored")
	}
	if m.peer("carol") == nil {
		t.Fatal("later peer must be unaffected by earlier failure")
	}

	// Signaling for the abandoned peer is treated as unknown.
	m.apply(SetOfferDescription{UserID: "bob", SDP: "sdp"})
	if got := m.DroppedSignals(); got != 1 {
		t.Fatalf("DroppedSignals = %d, want 1", got)
	}
}

func TestRemoveParticipantIdempotent(t *testing.T) {
	m, connector, _, _ := newTestManager(t)

	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	m.apply(RemoveParticipant{UserID: "alice"})
	m.apply(RemoveParticipant{UserID: "alice"})

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed != 1 {
		t.Fatalf("connection closed %d times, want 1", closed)
	}
	if m.peer("alice") != nil {
		t.Fatal("peer still present after removal")
	}
	if _, ok := m.Participants()["alice"]; ok {
		t.Fatal("participant entry still present after removal")
	}

	// Buffered candidates for the removed peer are discarded too.
	m.apply(SetICECandidate{UserID: "alice", Candidate: "stale"})
	if got := m.DroppedSignals(); got != 1 {
		t.Fatalf("DroppedSignals = %d, want 1", got)
	}
}

func TestSpeakerMuteAffectsOnlyOthers(t *testing.T) {
	m, capture, others := func() (*Manager, *fakeCapture, []*fakeLocalTrack) {
		m, _, capture, _ := newTestManager(t)
		m.apply(InitLocalMedia{UserID: "self"})

		tracks := []*fakeLocalTrack{
			newFakeLocalTrack("alice-audio", media.TrackKindAudio),
			newFakeLocalTrack("bob-audio", media.TrackKindAudio),
		}
		m.updateParticipant("alice", func(p Participant) Participant {
			p.Audio = tracks[0]
			return p
		})
		m.updateParticipant("bob", func(p Participant) Participant {
			p.Audio = tracks[1]
			return p
		})
		return m, capture, tracks
	}()

	m.apply(SetSpeakerMute{UserID: "self", Muted: true})

	for _, track := range others {
		if track.Enabled() {
			t.Fatalf("track %s still enabled under speaker mute", track.ID())
		}
	}
	if !capture.audios[0].Enabled() {
		t.Fatal("speaker mute must not touch the local outgoing audio")
	}
	if p := m.Participants()["self"]; !p.SpeakerMuted {
		t.Fatal("self entry should record speaker mute")
	}

	m.apply(SetSpeakerMute{UserID: "self", Muted: false})
	for _, track := range others {
		if !track.Enabled() {
			t.Fatalf("track %s still disabled after unmute", track.ID())
		}
	}
}

func TestSwitchCameraFacingFollowsCompletion(t *testing.T) {
	m, _, _, switcher := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})

	if m.Participants()["self"].FrontCamera {
		t.Fatal("expected back camera initially")
	}

	m.apply(SwitchCamera{UserID: "self"})
	if m.Participants()["self"].FrontCamera {
		t.Fatal("facing must not change before the switch completes")
	}

	switcher.mu.Lock()
	switcher.front = true
	switcher.mu.Unlock()
	switcher.complete(t, nil)

	if !m.Participants()["self"].FrontCamera {
		t.Fatal("facing should follow the completed switch")
	}
}

func TestSwitchCameraFailureKeepsFacing(t *testing.T) {
	m, _, _, switcher := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})

	m.apply(SwitchCamera{UserID: "self"})
	switcher.complete(t, errors.New("device busy"))

	if m.Participants()["self"].FrontCamera {
		t.Fatal("failed switch must not change facing")
	}
}

func TestToggleLocalTracks(t *testing.T) {
	m, _, capture, _ := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})

	m.apply(ToggleVideo{UserID: "self", Enabled: false})
	if capture.videos[0].Enabled() {
		t.Fatal("video should be disabled")
	}
	m.apply(ToggleAudio{UserID: "self", Enabled: false})
	if capture.audios[0].Enabled() {
		t.Fatal("audio should be disabled")
	}
	m.apply(ToggleVideo{UserID: "self", Enabled: true})
	if !capture.videos[0].Enabled() {
		t.Fatal("video should be enabled again")
	}
}

func TestMuteGatesOutboundAudio(t *testing.T) {
	m, connector, capture, _ := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	m.apply(ToggleAudio{UserID: "self", Enabled: false})
	if got := conn.sender("audio").currentTrack(); got != nil {
		t.Fatalf("muted mic still feeds the sender: %v", got)
	}
	if conn.sender("video").currentTrack() == nil {
		t.Fatal("mic toggle must not touch the video sender")
	}

	m.apply(ToggleAudio{UserID: "self", Enabled: true})
	got := conn.sender("audio").currentTrack()
	if got == nil || got.ID() != capture.audios[0].ID() {
		t.Fatal("unmute should restore the same capture track")
	}

	// Gating swaps the sender's track; it never renegotiates.
	adds := 0
	for _, op := range conn.opList() {
		if op == "add-track:audio" {
			adds++
		}
	}
	if adds != 1 {
		t.Fatalf("audio track added %d times, want 1", adds)
	}
}

func TestPeerCreatedWhileMutedStaysGated(t *testing.T) {
	m, connector, _, _ := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(ToggleVideo{UserID: "self", Enabled: false})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleOfferer})
	conn := connector.conn(0)

	if conn.sender("video").currentTrack() != nil {
		t.Fatal("camera-off must hold for peers that join later")
	}
	if conn.sender("audio").currentTrack() == nil {
		t.Fatal("audio must be unaffected by the camera toggle")
	}

	m.apply(ToggleVideo{UserID: "self", Enabled: true})
	if conn.sender("video").currentTrack() == nil {
		t.Fatal("re-enable should start feeding the late peer")
	}
}

func TestRefreshVideoReplacesAndReattaches(t *testing.T) {
	m, connector, capture, _ := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	before := len(conn.opList())
	m.apply(RefreshVideo{UserID: "self"})

	if !capture.videos[0].closed.Load() {
		t.Fatal("stale video track should be closed")
	}
	if len(capture.videos) != 2 {
		t.Fatalf("expected a second capture, got %d", len(capture.videos))
	}

	// The fresh track swaps onto the existing sender; a second AddTrack
	// would pile another media section onto the connection.
	if got := len(conn.opList()); got != before {
		t.Fatalf("refresh renegotiated: ops %v", conn.opList()[before:])
	}
	cur := conn.sender("video").currentTrack()
	if cur == nil || cur.ID() != capture.videos[1].ID() {
		t.Fatal("sender should carry the fresh video track")
	}
	if p := m.Participants()["self"]; p.Video == nil || p.Video.ID() != capture.videos[1].ID() {
		t.Fatal("self entry should hold the fresh video track")
	}
}

func TestRefreshKeepsDisabledTrackGated(t *testing.T) {
	m, connector, capture, _ := newTestManager(t)
	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	m.apply(ToggleVideo{UserID: "self", Enabled: false})
	m.apply(RefreshVideo{UserID: "self"})

	if capture.videos[1].Enabled() {
		t.Fatal("fresh track should carry the disabled state over")
	}
	if conn.sender("video").currentTrack() != nil {
		t.Fatal("refresh must not silently re-enable a disabled camera")
	}

	m.apply(ToggleVideo{UserID: "self", Enabled: true})
	got := conn.sender("video").currentTrack()
	if got == nil || got.ID() != capture.videos[1].ID() {
		t.Fatal("re-enable should feed the fresh track")
	}
}

func TestLocalMediaFailureStillRegistersSelf(t *testing.T) {
	m, _, capture, _ := newTestManager(t)
	capture.failAll = true

	m.apply(InitLocalMedia{UserID: "self"})

	p, ok := m.Participants()["self"]
	if !ok {
		t.Fatal("self must appear even when capture fails")
	}
	if p.Video != nil || p.Audio != nil {
		t.Fatal("failed captures must not leave track handles")
	}
}

func TestRenegotiationGatedOnSettledExchange(t *testing.T) {
	m, connector, _, _ := newTestManager(t)
	events := m.Events()

	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	// Negotiation-needed before the exchange settles is ignored.
	conn.onNeg()
	select {
	case e := <-events:
		t.Fatalf("unexpected event %T before exchange settled", e)
	case <-time.After(50 * time.Millisecond):
	}

	m.apply(SetOfferDescription{UserID: "alice", SDP: "alice-offer"})
	if _, ok := nextEvent(t, events).(SendAnswer); !ok {
		t.Fatal("expected the answer first")
	}

	conn.onNeg()
	if _, ok := nextEvent(t, events).(SendOffer); !ok {
		t.Fatal("expected a renegotiation offer after the exchange settled")
	}
}

func TestDispatchAppliesInOrder(t *testing.T) {
	m, connector, _, _ := newTestManager(t)
	events := m.Events()

	m.Dispatch(InitLocalMedia{UserID: "self"})
	m.Dispatch(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	m.Dispatch(SetICECandidate{UserID: "alice", Candidate: "early", SDPMid: "0"})
	m.Dispatch(SetOfferDescription{UserID: "alice", SDP: "alice-offer"})

	if _, ok := nextEvent(t, events).(SendAnswer); !ok {
		t.Fatal("expected an answer")
	}
	waitFor(t, "buffered candidate flush", func() bool {
		return len(connector.conn(0).candidateList()) == 1
	})
}

func TestReleaseStopsEverything(t *testing.T) {
	m, connector, capture, _ := newTestManager(t)
	events := m.Events()

	m.apply(InitLocalMedia{UserID: "self"})
	m.apply(CreatePeerConnection{UserID: "alice", Role: RoleAnswerer})
	conn := connector.conn(0)

	m.Release()

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed != 1 {
		t.Fatalf("peer connection closed %d times, want 1", closed)
	}
	if !capture.videos[0].closed.Load() || !capture.audios[0].closed.Load() {
		t.Fatal("local tracks should be closed on release")
	}
	if len(m.Participants()) != 0 {
		t.Fatal("participants should be cleared on release")
	}

	// Queued and future commands are no-ops.
	m.Dispatch(CreatePeerConnection{UserID: "bob", Role: RoleOfferer})
	time.Sleep(20 * time.Millisecond)
	if connector.count() != 1 {
		t.Fatal("dispatch after release must not create connections")
	}

	waitFor(t, "event stream close", func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	})

	m.Release()
}

func TestWatchParticipantsConflates(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	watch := m.WatchParticipants()
	if snap := <-watch; len(snap) != 0 {
		t.Fatalf("seed snapshot should be empty, got %d entries", len(snap))
	}

	// A slow reader misses intermediate states but always lands on the
	// latest one.
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("user-%d", i)
		m.updateParticipant(user, func(p Participant) Participant { return p })
	}

	waitFor(t, "latest snapshot", func() bool {
		select {
		case snap := <-watch:
			return len(snap) == 5
		default:
			return false
		}
	})
}

func TestSnapshotsAreImmutable(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.updateParticipant("alice", func(p Participant) Participant {
		p.Width, p.Height = 640, 480
		return p
	})
	before := m.Participants()

	m.updateParticipant("alice", func(p Participant) Participant {
		p.Width, p.Height = 1280, 720
		return p
	})

	if got := before["alice"].Width; got != 640 {
		t.Fatalf("earlier snapshot mutated: width %d", got)
	}
	if got := m.Participants()["alice"].Width; got != 1280 {
		t.Fatalf("latest snapshot missing update: width %d", got)
	}
}
