// Signal bridge — wires the fan-out signal bus into the WebSocket hub.
// Audit-change and result-delivered signals fan out to all connected
// clients via a bus tap subscription; clients re-fetch data they care
// about rather than trusting signal contents.
package api

import (
	"context"

	"github.com/concierge-sh/concierge/pkg/bus"
	"github.com/concierge-sh/concierge/pkg/logger"
)

// SignalBridge forwards bus signals to WebSocket clients.
type SignalBridge struct {
	bus *bus.SignalBus
	hub *WSHub
}

// NewSignalBridge creates a bridge from the signal bus to the hub.
func NewSignalBridge(b *bus.SignalBus, hub *WSHub) *SignalBridge {
	return &SignalBridge{bus: b, hub: hub}
}

// Run forwards signals until ctx is cancelled. Call in a goroutine.
func (sb *SignalBridge) Run(ctx context.Context) {
	logger.InfoC("events", "Signal bridge started — forwarding bus signals to WebSocket")

	tap := sb.bus.Subscribe("signal-bridge")
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("events", "Signal bridge stopped")
			return
		case sig, ok := <-tap:
			if !ok {
				return
			}
			sb.hub.Broadcast(sig.Name, sig.Data)
		}
	}
}
