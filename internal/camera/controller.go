// Package camera owns camera device selection and front/back switching.
// Exactly one capture device is active at a time; the user-visible
// facing flag changes only when the driver confirms a switch, never on
// request.
package camera

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Facing identifies which way a camera points.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// Device is one enumerated camera.
type Device struct {
	ID      string
	Label   string
	Facing  Facing
	Formats []Format
}

// Format is one capture mode a camera supports.
type Format struct {
	Width     int
	Height    int
	Framerate int
}

// Enumerator lists the cameras available on this machine.
type Enumerator interface {
	Devices() ([]Device, error)
}

// Driver points the active capture pipeline at a device. Switch must
// invoke done exactly once from its completion path, successful or not.
type Driver interface {
	Switch(device Device, format Format, done func(err error))
}

// switchState is the facing state machine: the flag reported to callers
// moves only on confirmed completion, which is what keeps two rapid
// switch requests from cancelling each other out.
type switchState int

const (
	stateStable switchState = iota
	stateSwitchRequested
)

// preferredMaxDimensions is tried in order against each camera's
// supported formats; a format matches on width or height equality.
var preferredMaxDimensions = []int{1080, 720, 480, 360}

// Controller owns the camera device handle. Enumeration happens once,
// lazily; front and back are picked by label, never by index.
type Controller struct {
	log    *zap.Logger
	enum   Enumerator
	driver Driver

	mu      sync.Mutex
	devices []Device
	listed  bool
	state   switchState
	facing  Facing // authoritative, completion-driven only
	desired Facing
}

func NewController(enum Enumerator, driver Driver, initial Facing) *Controller {
	return &Controller{
		log:     zap.L().Named("camera"),
		enum:    enum,
		driver:  driver,
		facing:  initial,
		desired: initial,
	}
}

// UsingFrontCamera reports the confirmed facing, not any in-flight request.
func (c *Controller) UsingFrontCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing == FacingFront
}

// CurrentDevice returns the device matching the confirmed facing, for
// the initial capture start.
func (c *Controller) CurrentDevice() (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureDevicesLocked(); err != nil {
		return Device{}, err
	}
	return c.deviceForFacingLocked(c.facing)
}

// OptimalFormat picks the capture format for the given device: the first
// preference-list match by width or height, else the largest available.
func OptimalFormat(d Device) (Format, error) {
	if len(d.Formats) == 0 {
		return Format{}, fmt.Errorf("no supported formats for camera %q", d.Label)
	}
	for _, dim := range preferredMaxDimensions {
		for _, f := range d.Formats {
			if f.Width == dim || f.Height == dim {
				return f, nil
			}
		}
	}
	largest := d.Formats[0]
	for _, f := range d.Formats[1:] {
		if f.Width*f.Height > largest.Width*largest.Height {
			largest = f
		}
	}
	return largest, nil
}

// SwitchCamera flips to the opposite-facing camera. It is a no-op when
// fewer than two cameras exist or a switch is already in flight. done is
// invoked from the driver's completion callback, after the authoritative
// facing flag has been resolved.
func (c *Controller) SwitchCamera(done func(err error)) {
	if done == nil {
		done = func(error) {}
	}

	c.mu.Lock()
	if err := c.ensureDevicesLocked(); err != nil {
		c.mu.Unlock()
		done(err)
		return
	}
	if len(c.devices) < 2 {
		c.mu.Unlock()
		done(nil)
		return
	}
	if c.state == stateSwitchRequested {
		// A request is already pending; the completion callback owns the
		// flag until it fires.
		c.mu.Unlock()
		done(nil)
		return
	}

	target := FacingFront
	if c.facing == FacingFront {
		target = FacingBack
	}
	device, err := c.deviceForFacingLocked(target)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("could not find suitable camera", zap.String("facing", target.String()))
		done(err)
		return
	}
	format, err := OptimalFormat(device)
	if err != nil {
		c.mu.Unlock()
		done(err)
		return
	}

	c.state = stateSwitchRequested
	c.desired = target
	c.mu.Unlock()

	c.driver.Switch(device, format, func(switchErr error) {
		c.mu.Lock()
		c.state = stateStable
		if switchErr == nil {
			c.facing = c.desired
		} else {
			// Failed switch: the flag stays on the last confirmed facing.
			c.log.Error("camera switch failed", zap.Error(switchErr))
		}
		c.mu.Unlock()
		done(switchErr)
	})
}

func (c *Controller) ensureDevicesLocked() error {
	if c.listed {
		return nil
	}
	devices, err := c.enum.Devices()
	if err != nil {
		return fmt.Errorf("camera enumeration failed: %w", err)
	}
	c.devices = devices
	c.listed = true
	return nil
}

// deviceForFacingLocked matches by the enumerated facing derived from
// the device label. Index-based selection is what caused switches to
// land on a same-facing sibling camera.
func (c *Controller) deviceForFacingLocked(facing Facing) (Device, error) {
	for _, d := range c.devices {
		if d.Facing == facing {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("no %s camera available", facing)
}
