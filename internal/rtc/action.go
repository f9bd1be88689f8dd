package rtc

// Role is the side this client takes in one peer negotiation.
type Role int

const (
	// RoleOfferer initiates the exchange with an SDP offer.
	RoleOfferer Role = iota
	// RoleAnswerer waits for the remote offer and answers it.
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Action is one command applied to the call manager. The set is closed:
// general actions come from the local user or room membership, signaling
// actions carry inbound SDP/ICE payloads. Each value is immutable and
// carries only what it needs to apply itself.
type Action interface {
	isAction()
}

// GeneralAction marks the user/membership sub-family.
type GeneralAction interface {
	Action
	isGeneral()
}

// SignalingAction marks the inbound-signaling sub-family.
type SignalingAction interface {
	Action
	isSignaling()
}

// InitLocalMedia starts local capture and registers the local user in
// the participant map.
type InitLocalMedia struct {
	UserID string
}

// CreatePeerConnection builds the connection for one remote participant
// and, as offerer, starts the exchange immediately.
type CreatePeerConnection struct {
	UserID string
	Role   Role
}

// SwitchCamera flips between front and back cameras for the local user.
type SwitchCamera struct {
	UserID string
}

// RemoveParticipant drops a participant and releases their connection.
type RemoveParticipant struct {
	UserID string
}

// ToggleVideo enables or disables the local video track.
type ToggleVideo struct {
	UserID  string
	Enabled bool
}

// ToggleAudio enables or disables the local audio track.
type ToggleAudio struct {
	UserID  string
	Enabled bool
}

// RefreshVideo replaces the local video track with a freshly captured
// one, e.g. after a permission grant left the old capture stale.
type RefreshVideo struct {
	UserID string
}

// RefreshAudio replaces the local audio track with a freshly captured one.
type RefreshAudio struct {
	UserID string
}

// SetSpeakerMute mutes or unmutes incoming audio from every other
// participant. The local user's own outgoing audio is unaffected.
type SetSpeakerMute struct {
	UserID string
	Muted  bool
}

// SetOfferDescription applies a remote offer and answers it.
type SetOfferDescription struct {
	UserID string
	SDP    string
}

// SetAnswerDescription applies a remote answer.
type SetAnswerDescription struct {
	UserID string
	SDP    string
}

// SetICECandidate applies or buffers one remote ICE candidate.
type SetICECandidate struct {
	UserID        string
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

func (InitLocalMedia) isAction()        {}
func (InitLocalMedia) isGeneral()       {}
func (CreatePeerConnection) isAction()  {}
func (CreatePeerConnection) isGeneral() {}
func (SwitchCamera) isAction()          {}
func (SwitchCamera) isGeneral()         {}
func (RemoveParticipant) isAction()     {}
func (RemoveParticipant) isGeneral()    {}
func (ToggleVideo) isAction()           {}
func (ToggleVideo) isGeneral()          {}
func (ToggleAudio) isAction()           {}
func (ToggleAudio) isGeneral()          {}
func (RefreshVideo) isAction()          {}
func (RefreshVideo) isGeneral()         {}
func (RefreshAudio) isAction()          {}
func (RefreshAudio) isGeneral()         {}
func (SetSpeakerMute) isAction()        {}
func (SetSpeakerMute) isGeneral()       {}

func (SetOfferDescription) isAction()     {}
func (SetOfferDescription) isSignaling()  {}
func (SetAnswerDescription) isAction()    {}
func (SetAnswerDescription) isSignaling() {}
func (SetICECandidate) isAction()         {}
func (SetICECandidate) isSignaling()      {}
