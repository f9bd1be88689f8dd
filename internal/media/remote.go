package media

import (
	"encoding/binary"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTPSource is the read side of a remote video track.
// *webrtc.TrackRemote satisfies it.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PumpRemoteFrameSizes depacketizes VP8 off a remote video track and
// reports keyframe dimensions until the source errors out (track ended
// or connection closed). Interframes carry no size header, so only
// keyframes produce a report; the first arrives within the sender's
// keyframe interval.
func PumpRemoteFrameSizes(src RTPSource, report func(width, height int)) {
	var depacketizer codecs.VP8Packet
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			return
		}
		payload, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil {
			continue
		}
		// The size fields live in the uncompressed header of the first
		// partition, present only at the start of a keyframe.
		if depacketizer.S != 1 || depacketizer.PID != 0 {
			continue
		}
		if width, height, ok := vp8FrameSize(payload); ok {
			report(width, height)
		}
	}
}

// vp8FrameSize reads width and height out of a VP8 keyframe header.
func vp8FrameSize(frame []byte) (width, height int, ok bool) {
	if len(frame) < 10 {
		return 0, 0, false
	}
	// Frame tag bit 0: 0 marks a keyframe.
	if frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	width = int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	height = int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)
	return width, height, true
}
