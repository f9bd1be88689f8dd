package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
)

// Engine is the process-wide peer connection factory: one MediaEngine
// with the capture pipeline's codecs registered, one interceptor
// registry, one API. Every per-participant connection is produced here
// with the same ICE server list and Unified Plan semantics.
type Engine struct {
	log  *zap.Logger
	api  *webrtc.API
	conf webrtc.Configuration
}

// NewEngine builds the factory. The codec selector must be the same one
// the capturer encodes with, otherwise the SDP offers codecs the
// pipeline cannot produce.
func NewEngine(cfg *config.Config, selector *mediadevices.CodecSelector) (*Engine, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// Enable TWCC feedback for congestion control on both kinds.
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)

	selector.Populate(&mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Engine{
		log: zap.L().Named("engine"),
		api: api,
		conf: webrtc.Configuration{
			ICEServers:         iceServers(cfg),
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
			SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
		},
	}, nil
}

// NewEngineConn produces one configured peer connection. A nil
// connection from the underlying API is unrecoverable for that peer.
func (e *Engine) NewEngineConn() (EngineConn, error) {
	pc, err := e.api.NewPeerConnection(e.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	if pc == nil {
		return nil, fmt.Errorf("engine returned nil peer connection")
	}
	return engineConn{pc}, nil
}

// engineConn narrows AddTrack's concrete *webrtc.RTPSender to the
// TrackSender interface; everything else promotes straight through.
type engineConn struct {
	*webrtc.PeerConnection
}

func (c engineConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// iceServers builds the fixed server list: the public STUN server, plus
// the TURN relay only when its URL and both credentials are configured.
func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{
		{URLs: []string{cfg.STUNServer}},
	}
	if cfg.TURN.Enabled() {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURN.URL},
			Username:   cfg.TURN.Username,
			Credential: cfg.TURN.Password,
		})
	}
	return servers
}
