package rtc

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

const stunProbeTimeout = 5 * time.Second

// ProbeSTUN sends one binding request to the configured STUN server and
// reports whether it answered with a mapped address. A failure does not
// stop the client; it only predicts that ICE will struggle behind NAT.
func ProbeSTUN(serverURL string) error {
	addr := strings.TrimPrefix(serverURL, "stun:")

	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("stun dial %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.SetRTO(stunProbeTimeout); err != nil {
		return fmt.Errorf("stun set rto: %w", err)
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var probeErr error
	if err := client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			probeErr = res.Error
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(res.Message); err != nil {
			probeErr = fmt.Errorf("no mapped address in binding response: %w", err)
			return
		}
		zap.L().Named("stun").Info("binding response received",
			zap.String("server", addr),
			zap.String("mapped", mapped.String()))
	}); err != nil {
		return fmt.Errorf("stun binding request to %s: %w", addr, err)
	}
	return probeErr
}
