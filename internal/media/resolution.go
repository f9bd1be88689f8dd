package media

import (
	"sync"
)

// Orientation is the display orientation the renderer reports.
type Orientation int

const (
	OrientationLandscape Orientation = iota
	OrientationPortrait
)

// OrientationFunc returns the current display orientation. Cameras report
// landscape-native dimensions regardless of how the device is held, so
// the observer swaps width and height when the display is portrait.
type OrientationFunc func() Orientation

// ResolutionFunc receives corrected frame dimensions for a track.
type ResolutionFunc func(width, height int)

// ResolutionObserver taps video tracks to learn their negotiated frame
// size; the engine does not report it otherwise. Frame sources call
// Report with raw dimensions, registered callbacks receive deduplicated,
// orientation-corrected values.
type ResolutionObserver struct {
	mu          sync.Mutex
	orientation OrientationFunc
	taps        map[string]*resolutionTap
}

type resolutionTap struct {
	report     ResolutionFunc
	lastWidth  int
	lastHeight int
}

func NewResolutionObserver(orientation OrientationFunc) *ResolutionObserver {
	if orientation == nil {
		orientation = func() Orientation { return OrientationLandscape }
	}
	return &ResolutionObserver{
		orientation: orientation,
		taps:        make(map[string]*resolutionTap),
	}
}

// Attach registers a callback for dimension changes on trackID, replacing
// any earlier registration for the same track.
func (o *ResolutionObserver) Attach(trackID string, report ResolutionFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taps[trackID] = &resolutionTap{report: report}
}

// Detach removes the tap for trackID, if any.
func (o *ResolutionObserver) Detach(trackID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.taps, trackID)
}

// Report feeds a raw frame size observed on trackID. Unchanged sizes are
// dropped; changed sizes are orientation-corrected before the callback.
func (o *ResolutionObserver) Report(trackID string, width, height int) {
	o.mu.Lock()
	tap, ok := o.taps[trackID]
	if !ok || (tap.lastWidth == width && tap.lastHeight == height) {
		o.mu.Unlock()
		return
	}
	tap.lastWidth = width
	tap.lastHeight = height
	report := tap.report
	portrait := o.orientation() == OrientationPortrait
	o.mu.Unlock()

	if portrait && width > height {
		width, height = height, width
	}
	if report != nil {
		report(width, height)
	}
}

// Release drops all taps.
func (o *ResolutionObserver) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taps = make(map[string]*resolutionTap)
}
