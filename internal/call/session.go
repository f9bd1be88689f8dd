// Package call ties the signaling transport to the peer connection
// manager: one Session is one user's presence in one room.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/rtc"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// RemoteStatusFunc is notified when another participant toggles their
// mic, camera or raised hand. kind is "mic", "camera" or "hand".
type RemoteStatusFunc func(userID, kind string, enabled bool)

// ChatFunc receives chat messages relayed by the server, own messages
// included: the server echo is what confirms delivery to the room.
type ChatFunc func(fromUserID, nickname, message string)

// Session runs the lifecycle of one call: join, signal exchange,
// membership tracking, leave. Inbound signaling is translated to
// manager actions; manager events are emitted back over the socket.
type Session struct {
	log      *zap.Logger
	client   *signaling.Client
	mgr      *rtc.Manager
	roomCode string
	selfID   string

	// OnRemoteStatus, when set before Start, receives other users'
	// mic, camera and raised-hand toggles. It runs on the socket read
	// goroutine.
	OnRemoteStatus RemoteStatusFunc

	// OnChatMessage, when set before Start, receives room chat. It runs
	// on the socket read goroutine.
	OnChatMessage ChatFunc

	ctx    context.Context
	cancel context.CancelFunc
	left   sync.Once
}

// NewSession wires a session for the given room. The client must not be
// dialed yet; Start registers handlers and dials.
func NewSession(client *signaling.Client, mgr *rtc.Manager, roomCode, selfID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:      zap.L().Named("call"),
		client:   client,
		mgr:      mgr,
		roomCode: roomCode,
		selfID:   selfID,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start connects to the signaling server and joins the room. Local
// media is started, answering connections are prepared for every member
// already present, and rtc_ready announces this user so existing
// members start their offers.
func (s *Session) Start(ctx context.Context) error {
	s.registerHandlers()

	if err := s.client.Dial(ctx); err != nil {
		return err
	}

	s.mgr.Dispatch(rtc.InitLocalMedia{UserID: s.selfID})

	result, err := s.client.Emit(ctx, signaling.EventRoomMemberList,
		signaling.RoomCodePayload{RoomCode: s.roomCode})
	if err != nil {
		return fmt.Errorf("call: fetch member list: %w", err)
	}
	var members signaling.MemberListResult
	if err := json.Unmarshal(result, &members); err != nil {
		return fmt.Errorf("call: decode member list: %w", err)
	}

	// The joiner answers; members already in the room offer once they
	// see rtc_ready. Both sides must agree on who offers or glare
	// breaks the exchange.
	for _, member := range members.Members {
		if member.UserID == s.selfID {
			continue
		}
		s.mgr.Dispatch(rtc.CreatePeerConnection{UserID: member.UserID, Role: rtc.RoleAnswerer})
	}

	if _, err := s.client.Emit(ctx, signaling.EventRTCReady,
		signaling.RoomCodePayload{RoomCode: s.roomCode}); err != nil {
		return fmt.Errorf("call: announce ready: %w", err)
	}
	s.log.Info("joined room",
		zap.String("room", s.roomCode),
		zap.Int("existing_members", len(members.Members)))

	go s.forwardEvents()
	return nil
}

// registerHandlers maps server pushes to manager actions. Handlers run
// on the socket read loop, so dispatch order matches wire order.
func (s *Session) registerHandlers() {
	s.client.Handle(signaling.EventNotifyOffer, func(params json.RawMessage) {
		var p signaling.NotifySDPPayload
		if !s.decode(signaling.EventNotifyOffer, params, &p) {
			return
		}
		s.mgr.Dispatch(rtc.SetOfferDescription{UserID: p.FromUserID, SDP: p.SDP})
	})

	s.client.Handle(signaling.EventNotifyAnswer, func(params json.RawMessage) {
		var p signaling.NotifySDPPayload
		if !s.decode(signaling.EventNotifyAnswer, params, &p) {
			return
		}
		s.mgr.Dispatch(rtc.SetAnswerDescription{UserID: p.FromUserID, SDP: p.SDP})
	})

	s.client.Handle(signaling.EventNotifyICE, func(params json.RawMessage) {
		var p signaling.NotifyICEPayload
		if !s.decode(signaling.EventNotifyICE, params, &p) {
			return
		}
		s.mgr.Dispatch(rtc.SetICECandidate{
			UserID:        p.FromUserID,
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		})
	})

	s.client.Handle(signaling.EventRTCReady, func(params json.RawMessage) {
		var p signaling.UserIDPayload
		if !s.decode(signaling.EventRTCReady, params, &p) {
			return
		}
		if p.UserID == s.selfID {
			return
		}
		s.mgr.Dispatch(rtc.CreatePeerConnection{UserID: p.UserID, Role: rtc.RoleOfferer})
	})

	s.client.Handle(signaling.EventRoomParticipantUpdate, func(params json.RawMessage) {
		var p signaling.ParticipantUpdatePayload
		if !s.decode(signaling.EventRoomParticipantUpdate, params, &p) {
			return
		}
		if p.Joined {
			// Connection setup waits for the joiner's rtc_ready.
			return
		}
		s.mgr.Dispatch(rtc.RemoveParticipant{UserID: p.User.UserID})
	})

	s.client.Handle(signaling.EventNotifyChangeMic, func(params json.RawMessage) {
		s.remoteStatus(signaling.EventNotifyChangeMic, "mic", params)
	})
	s.client.Handle(signaling.EventNotifyChangeCamera, func(params json.RawMessage) {
		s.remoteStatus(signaling.EventNotifyChangeCamera, "camera", params)
	})
	s.client.Handle(signaling.EventNotifyChangeHandRaised, func(params json.RawMessage) {
		s.remoteStatus(signaling.EventNotifyChangeHandRaised, "hand", params)
	})

	s.client.Handle(signaling.EventNotifyChat, func(params json.RawMessage) {
		var p signaling.NotifyChatPayload
		if !s.decode(signaling.EventNotifyChat, params, &p) {
			return
		}
		if s.OnChatMessage != nil {
			s.OnChatMessage(p.FromUserID, p.Nickname, p.Message)
		}
	})
}

func (s *Session) remoteStatus(event, kind string, params json.RawMessage) {
	var p signaling.StatusPayload
	if !s.decode(event, params, &p) {
		return
	}
	if p.UserID == s.selfID {
		return
	}
	if s.OnRemoteStatus != nil {
		s.OnRemoteStatus(p.UserID, kind, p.Enabled)
	}
}

// forwardEvents drains the manager's outbound signal queue onto the
// socket. The queue closes on manager release, ending the loop.
func (s *Session) forwardEvents() {
	for event := range s.mgr.Events() {
		var err error
		switch e := event.(type) {
		case rtc.SendOffer:
			err = s.client.Notify(signaling.EventSendOffer, signaling.SDPPayload{
				RoomCode: s.roomCode, ToUserID: e.To, SDP: e.SDP,
			})
		case rtc.SendAnswer:
			err = s.client.Notify(signaling.EventSendAnswer, signaling.SDPPayload{
				RoomCode: s.roomCode, ToUserID: e.To, SDP: e.SDP,
			})
		case rtc.SendICECandidate:
			err = s.client.Notify(signaling.EventSendICE, signaling.ICEPayload{
				RoomCode:      s.roomCode,
				ToUserID:      e.To,
				Candidate:     e.Candidate,
				SDPMid:        e.SDPMid,
				SDPMLineIndex: e.SDPMLineIndex,
			})
		}
		if err != nil {
			s.log.Error("failed to send signal", zap.Error(err))
		}
	}
}

// ToggleMic flips the local microphone and tells the room.
func (s *Session) ToggleMic(enabled bool) {
	s.mgr.Dispatch(rtc.ToggleAudio{UserID: s.selfID, Enabled: enabled})
	s.pushStatus(signaling.EventChangeMic, enabled)
}

// ToggleCamera flips the local camera and tells the room.
func (s *Session) ToggleCamera(enabled bool) {
	s.mgr.Dispatch(rtc.ToggleVideo{UserID: s.selfID, Enabled: enabled})
	s.pushStatus(signaling.EventChangeCamera, enabled)
}

// SetHandRaised flips the local raised-hand flag and tells the room.
// Purely a signaling-level state; no media is touched.
func (s *Session) SetHandRaised(raised bool) {
	s.pushStatus(signaling.EventChangeHandRaised, raised)
}

// SendChat relays a chat message to everyone in the room. The emit is
// acknowledged by the server, so an error means the room never saw it.
func (s *Session) SendChat(ctx context.Context, message string) error {
	_, err := s.client.Emit(ctx, signaling.EventSendChat, signaling.ChatPayload{
		RoomCode: s.roomCode,
		Message:  message,
	})
	return err
}

// SwitchCamera flips between front and back cameras.
func (s *Session) SwitchCamera() {
	s.mgr.Dispatch(rtc.SwitchCamera{UserID: s.selfID})
}

// SetSpeakerMute silences or restores incoming audio from everyone else.
func (s *Session) SetSpeakerMute(muted bool) {
	s.mgr.Dispatch(rtc.SetSpeakerMute{UserID: s.selfID, Muted: muted})
}

// RefreshVideo recaptures the local video track.
func (s *Session) RefreshVideo() {
	s.mgr.Dispatch(rtc.RefreshVideo{UserID: s.selfID})
}

// RefreshAudio recaptures the local audio track.
func (s *Session) RefreshAudio() {
	s.mgr.Dispatch(rtc.RefreshAudio{UserID: s.selfID})
}

// Participants exposes the manager's current participant snapshot.
func (s *Session) Participants() map[string]rtc.Participant {
	return s.mgr.Participants()
}

// WatchParticipants exposes the manager's participant change stream.
func (s *Session) WatchParticipants() <-chan map[string]rtc.Participant {
	return s.mgr.WatchParticipants()
}

func (s *Session) pushStatus(event string, enabled bool) {
	err := s.client.Notify(event, signaling.StatusPayload{
		RoomCode: s.roomCode,
		Enabled:  enabled,
	})
	if err != nil {
		s.log.Warn("failed to push status", zap.String("event", event), zap.Error(err))
	}
}

// Leave announces departure, releases every peer connection and closes
// the socket. Safe to call more than once.
func (s *Session) Leave() {
	s.left.Do(func() {
		s.cancel()
		if err := s.client.Notify(signaling.EventRoomLeave,
			signaling.RoomCodePayload{RoomCode: s.roomCode}); err != nil {
			s.log.Warn("failed to announce leave", zap.Error(err))
		}
		s.mgr.Release()
		s.client.Close()
		s.log.Info("left room", zap.String("room", s.roomCode))
	})
}

func (s *Session) decode(event string, params json.RawMessage, out any) bool {
	if err := json.Unmarshal(params, out); err != nil {
		s.log.Warn("dropping malformed event payload",
			zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}
