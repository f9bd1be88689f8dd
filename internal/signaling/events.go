// Package signaling implements the socket client for the call signaling
// server: named events framed as JSON-RPC requests over a websocket,
// emits acknowledged by the server, server pushes fanned out to
// registered handlers.
package signaling

// Event names on the signaling wire. "send" events are emitted by the
// client and acknowledged; "notify" events are pushed by the server.
const (
	EventRoomLeave             = "room_leave"
	EventRoomMemberList        = "room_member_list"
	EventRoomParticipantUpdate = "room_notify_update_participant"

	EventSendOffer    = "signal_send_offer"
	EventNotifyOffer  = "signal_notify_offer"
	EventSendAnswer   = "signal_send_answer"
	EventNotifyAnswer = "signal_notify_answer"
	EventSendICE      = "signal_send_ice"
	EventNotifyICE    = "signal_notify_ice"
	EventRTCReady     = "rtc_ready"

	EventChangeMic              = "call_change_mic"
	EventNotifyChangeMic        = "call_notify_change_mic"
	EventChangeCamera           = "call_change_camera"
	EventNotifyChangeCamera     = "call_notify_change_camera"
	EventChangeHandRaised       = "call_change_hand_raised"
	EventNotifyChangeHandRaised = "call_notify_change_hand_raised"

	EventSendChat   = "chat_send_message"
	EventNotifyChat = "chat_notify_message"
)

// RoomCodePayload addresses an event to a room.
type RoomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

// SDPPayload carries an outbound offer or answer.
type SDPPayload struct {
	RoomCode string `json:"roomCode"`
	ToUserID string `json:"toUserId"`
	SDP      string `json:"sdp"`
}

// NotifySDPPayload carries an inbound offer or answer.
type NotifySDPPayload struct {
	FromUserID string `json:"fromUserId"`
	SDP        string `json:"sdp"`
}

// ICEPayload carries an outbound ICE candidate.
type ICEPayload struct {
	RoomCode      string `json:"roomCode"`
	ToUserID      string `json:"toUserId"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// NotifyICEPayload carries an inbound ICE candidate.
type NotifyICEPayload struct {
	FromUserID    string `json:"fromUserId"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// UserIDPayload carries a bare user reference, e.g. rtc_ready.
type UserIDPayload struct {
	UserID string `json:"userId"`
}

// Member is one room participant as the server reports them.
type Member struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	IsOwner  bool   `json:"isOwner"`
	MicOn    bool   `json:"isMicOn"`
	CameraOn bool   `json:"isCameraOn"`
}

// MemberListResult is the ack payload of a room_member_list request.
type MemberListResult struct {
	Members []Member `json:"members"`
}

// ParticipantUpdatePayload reports one membership change.
type ParticipantUpdatePayload struct {
	User   Member `json:"updatedUser"`
	Joined bool   `json:"isJoined"`
}

// ChatPayload carries an outbound chat message to the room.
type ChatPayload struct {
	RoomCode string `json:"roomCode"`
	Message  string `json:"message"`
}

// NotifyChatPayload carries a chat message relayed by the server.
type NotifyChatPayload struct {
	FromUserID string `json:"fromUserId"`
	Nickname   string `json:"nickname"`
	Message    string `json:"message"`
}

// StatusPayload reports a mic, camera or raised-hand toggle.
type StatusPayload struct {
	RoomCode string `json:"roomCode,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// AckResult is the generic emit acknowledgement.
type AckResult struct {
	IsSuccess bool   `json:"isSuccess"`
	Error     string `json:"error,omitempty"`
}
