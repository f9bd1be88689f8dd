package rtc

import (
	"fmt"
	"sync"

	"github.com/mikeyg42/roomcall/internal/camera"
	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/media"
)

// CameraCapture binds the capturer to the camera controller's device
// selection, implementing CaptureSource for the manager.
type CameraCapture struct {
	capturer   *media.Capturer
	controller *camera.Controller
	video      config.VideoConfig
}

func NewCameraCapture(capturer *media.Capturer, controller *camera.Controller, video config.VideoConfig) *CameraCapture {
	return &CameraCapture{
		capturer:   capturer,
		controller: controller,
		video:      video,
	}
}

// AcquireVideo captures from whichever camera the controller currently
// faces, at that device's optimal format.
func (c *CameraCapture) AcquireVideo() (media.BindableTrack, error) {
	device, err := c.controller.CurrentDevice()
	if err != nil {
		return nil, err
	}
	format, err := camera.OptimalFormat(device)
	if err != nil {
		return nil, err
	}
	return c.AcquireVideoFrom(device, format)
}

func (c *CameraCapture) AcquireVideoFrom(device camera.Device, format camera.Format) (media.BindableTrack, error) {
	framerate := format.Framerate
	if framerate == 0 {
		framerate = c.video.Framerate
	}
	track, err := c.capturer.NewVideoTrack(device.ID, format.Width, format.Height, framerate)
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (c *CameraCapture) AcquireAudio() (media.BindableTrack, error) {
	track, err := c.capturer.NewAudioTrack()
	if err != nil {
		return nil, err
	}
	return track, nil
}

// SwitchDriver is the camera.Driver backed by the manager's capture
// swap. The controller and manager reference each other at runtime, so
// the driver is bound late, after both exist.
type SwitchDriver struct {
	mu  sync.Mutex
	mgr *Manager
}

func NewSwitchDriver() *SwitchDriver {
	return &SwitchDriver{}
}

func (d *SwitchDriver) Bind(m *Manager) {
	d.mu.Lock()
	d.mgr = m
	d.mu.Unlock()
}

// Switch re-points local capture at the given device and reports
// completion exactly once.
func (d *SwitchDriver) Switch(device camera.Device, format camera.Format, done func(err error)) {
	d.mu.Lock()
	m := d.mgr
	d.mu.Unlock()
	if m == nil {
		done(fmt.Errorf("switch driver not bound"))
		return
	}
	done(m.swapVideoDevice(device, format))
}
