package coord

import (
	"github.com/concierge-sh/concierge/pkg/logger"
)

// Gate exposes the kill switch to the router. A store read failure
// degrades to disengaged: coordination trouble must not halt the rest of
// the system, only lose the safety feature until the store recovers.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Engaged reports whether handler execution is globally cut off.
func (g *Gate) Engaged() bool {
	engaged, err := g.store.KillSwitch()
	if err != nil {
		logger.WarnCF("coord", "Kill switch read failed, treating as disengaged", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return engaged
}

// Engage switches handler execution off everywhere.
func (g *Gate) Engage() error {
	return g.store.SetKillSwitch(true)
}

// Release switches handler execution back on.
func (g *Gate) Release() error {
	return g.store.SetKillSwitch(false)
}
