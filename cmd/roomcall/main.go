// roomcall joins a video call room from the terminal: local camera and
// microphone go up over WebRTC to every other participant, and theirs
// come back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/api"
	"github.com/mikeyg42/roomcall/internal/call"
	"github.com/mikeyg42/roomcall/internal/camera"
	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/rtc"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// Application owns every long-lived component of one call client.
type Application struct {
	log     *zap.Logger
	cfg     *config.Config
	apiClnt *api.Client
	session *call.Session
	manager *rtc.Manager
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	app, err := newApplication(logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	if err := app.Run(); err != nil {
		logger.Fatal("call failed", zap.Error(err))
	}
}

func newApplication(logger *zap.Logger) (*Application, error) {
	cfg := config.Load()

	flag.StringVar(&cfg.RoomCode, "room", cfg.RoomCode, "room code to join (empty creates a new room)")
	flag.StringVar(&cfg.SignalingURL, "signaling", cfg.SignalingURL, "signaling websocket URL")
	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "REST API base URL")
	flag.BoolVar(&cfg.Portrait, "portrait", cfg.Portrait, "treat the display as portrait")
	email := flag.String("email", os.Getenv("ROOMCALL_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("ROOMCALL_PASSWORD"), "account password")
	flag.Parse()

	if *email == "" || *password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	app := &Application{
		log:     logger,
		cfg:     cfg,
		apiClnt: api.NewClient(cfg.APIBaseURL),
	}
	if err := app.login(*email, *password); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *Application) login(email, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.StartupTimeout)
	defer cancel()

	if err := a.apiClnt.Login(ctx, email, password); err != nil {
		return err
	}
	if a.cfg.RoomCode == "" {
		code, err := a.apiClnt.CreateRoom(ctx)
		if err != nil {
			return err
		}
		a.cfg.RoomCode = code
		a.log.Info("created room", zap.String("room", code))
	}
	return a.apiClnt.JoinRoom(ctx, a.cfg.RoomCode)
}

// Run assembles the media and WebRTC stack, joins the room and blocks
// until interrupted.
func (a *Application) Run() error {
	if err := rtc.ProbeSTUN(a.cfg.STUNServer); err != nil {
		// Connectivity may still work over TURN or host candidates.
		a.log.Warn("STUN probe failed", zap.Error(err))
	}

	selector, err := media.NewCodecSelector(a.cfg.Video, a.cfg.Audio)
	if err != nil {
		return fmt.Errorf("codec selection: %w", err)
	}

	orientation := func() media.Orientation {
		if a.cfg.Portrait {
			return media.OrientationPortrait
		}
		return media.OrientationLandscape
	}
	observer := media.NewResolutionObserver(orientation)
	capturer := media.NewCapturer(a.cfg.Audio, selector, observer)

	switchDriver := rtc.NewSwitchDriver()
	controller := camera.NewController(camera.NewMediaDevicesEnumerator(), switchDriver, camera.FacingBack)
	capture := rtc.NewCameraCapture(capturer, controller, a.cfg.Video)

	engine, err := rtc.NewEngine(a.cfg, selector)
	if err != nil {
		return fmt.Errorf("webrtc engine: %w", err)
	}

	a.manager = rtc.NewManager(engine, capture, controller, observer)
	switchDriver.Bind(a.manager)

	userID, err := a.apiClnt.UserID()
	if err != nil {
		return err
	}
	client := signaling.NewClient(a.cfg.SignalingURL, a.apiClnt.Token())
	a.session = call.NewSession(client, a.manager, a.cfg.RoomCode, userID)
	a.session.OnRemoteStatus = func(user, kind string, enabled bool) {
		a.log.Info("participant status changed",
			zap.String("user", user),
			zap.String("kind", kind),
			zap.Bool("enabled", enabled))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.StartupTimeout)
	err = a.session.Start(ctx)
	cancel()
	if err != nil {
		a.manager.Release()
		return err
	}

	go a.watchParticipants()
	go a.watchPeerStates()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	a.log.Info("shutting down")
	a.session.Leave()
	return nil
}

func (a *Application) watchParticipants() {
	for snapshot := range a.session.WatchParticipants() {
		a.log.Info("participants updated", zap.Int("count", len(snapshot)))
		for id, p := range snapshot {
			a.log.Debug("participant",
				zap.String("user", id),
				zap.Bool("has_video", p.Video != nil),
				zap.Bool("has_audio", p.Audio != nil),
				zap.Int("width", p.Width),
				zap.Int("height", p.Height),
				zap.Bool("front_camera", p.FrontCamera))
		}
	}
}

func (a *Application) watchPeerStates() {
	for state := range a.manager.StateChanges() {
		a.log.Info("peer connection state",
			zap.String("user", state.UserID),
			zap.String("state", state.State.String()))
	}
}
