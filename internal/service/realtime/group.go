package realtime

import (
	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

// Group runs one manager per employee on the device and fans the network and
// visibility signals out to all of them.
type Group struct {
	managers []*Manager
}

func NewGroup(managers ...*Manager) *Group {
	return &Group{managers: managers}
}

func (g *Group) SetOnline(online bool) {
	for _, m := range g.managers {
		m.SetOnline(online)
	}
}

func (g *Group) SetVisible(visible bool) {
	for _, m := range g.managers {
		m.SetVisible(visible)
	}
}

// States returns the connection state of every employee channel.
func (g *Group) States() map[string]presence.ConnectionState {
	out := make(map[string]presence.ConnectionState, len(g.managers))
	for _, m := range g.managers {
		out[m.EmployeeID()] = m.State()
	}
	return out
}

func (g *Group) Stop() {
	for _, m := range g.managers {
		m.Stop()
	}
}
