package camera

import (
	"strings"

	"github.com/pion/mediadevices/pkg/driver"
	"go.uber.org/zap"
)

// MediaDevicesEnumerator lists cameras through the mediadevices driver
// manager, including each device's supported capture formats.
type MediaDevicesEnumerator struct {
	log *zap.Logger
}

func NewMediaDevicesEnumerator() *MediaDevicesEnumerator {
	return &MediaDevicesEnumerator{log: zap.L().Named("camera-enum")}
}

// Devices returns all video capture devices. Facing is derived from the
// device label; a device that names neither facing is treated as back.
func (e *MediaDevicesEnumerator) Devices() ([]Device, error) {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())

	devices := make([]Device, 0, len(drivers))
	for _, d := range drivers {
		// Properties are only known once the driver has been opened.
		opened := false
		if d.Status() == driver.StateClosed {
			if err := d.Open(); err != nil {
				e.log.Warn("skipping unopenable camera",
					zap.String("label", d.Info().Label), zap.Error(err))
				continue
			}
			opened = true
		}

		var formats []Format
		for _, p := range d.Properties() {
			if p.Video.Width == 0 || p.Video.Height == 0 {
				continue
			}
			formats = append(formats, Format{
				Width:     p.Video.Width,
				Height:    p.Video.Height,
				Framerate: int(p.Video.FrameRate),
			})
		}

		if opened {
			if err := d.Close(); err != nil {
				e.log.Warn("closing camera after probe",
					zap.String("label", d.Info().Label), zap.Error(err))
			}
		}

		devices = append(devices, Device{
			ID:      d.ID(),
			Label:   d.Info().Label,
			Facing:  facingFromLabel(d.Info().Label),
			Formats: formats,
		})
	}
	return devices, nil
}

func facingFromLabel(label string) Facing {
	l := strings.ToLower(label)
	if strings.Contains(l, "front") || strings.Contains(l, "facetime") || strings.Contains(l, "user") {
		return FacingFront
	}
	return FacingBack
}
