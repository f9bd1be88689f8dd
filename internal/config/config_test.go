package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.SignalingURL == "" || cfg.APIBaseURL == "" || cfg.STUNServer == "" {
		t.Fatal("defaults must always produce endpoints")
	}
	if cfg.Video.Width != 640 || cfg.Video.Height != 480 {
		t.Fatalf("unexpected default resolution %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.TURN.Enabled() {
		t.Fatal("TURN must be off with no configuration")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROOMCALL_SIGNALING_URL", "ws://example.com/socket")
	t.Setenv("ROOMCALL_ROOM_CODE", "ROOM42")
	t.Setenv("ROOMCALL_VIDEO_WIDTH", "1280")
	t.Setenv("ROOMCALL_VIDEO_HEIGHT", "720")

	cfg := Load()

	if cfg.SignalingURL != "ws://example.com/socket" {
		t.Fatalf("SignalingURL = %q", cfg.SignalingURL)
	}
	if cfg.RoomCode != "ROOM42" {
		t.Fatalf("RoomCode = %q", cfg.RoomCode)
	}
	if cfg.Video.Width != 1280 || cfg.Video.Height != 720 {
		t.Fatalf("resolution = %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("ROOMCALL_VIDEO_FRAMERATE", "fast")

	if cfg := Load(); cfg.Video.Framerate != 30 {
		t.Fatalf("Framerate = %d, want the default", cfg.Video.Framerate)
	}
}

func TestTURNEnabledRequiresAllFields(t *testing.T) {
	cases := []struct {
		turn TURNConfig
		want bool
	}{
		{TURNConfig{}, false},
		{TURNConfig{URL: "turn:relay.example.com"}, false},
		{TURNConfig{URL: "turn:relay.example.com", Username: "u"}, false},
		{TURNConfig{URL: "turn:relay.example.com", Username: "u", Password: "p"}, true},
	}
	for _, tc := range cases {
		if got := tc.turn.Enabled(); got != tc.want {
			t.Errorf("Enabled(%+v) = %v, want %v", tc.turn, got, tc.want)
		}
	}
}
