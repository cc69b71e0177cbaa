package coord

import (
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
)

type sentMessage struct {
	to   string
	verb string
	args []string
}

// recordingNotifier captures pushes instead of sending them.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (n *recordingNotifier) Notify(to net.Addr, verb string, args ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sentMessage{to: to.String(), verb: verb, args: args})
	return nil
}

func (n *recordingNotifier) byVerb(verb string) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.msgs {
		if m.verb == verb {
			out = append(out, m)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return reg
}

func newTestPlanner(t *testing.T) (*Planner, *registry.Registry, *PlanStore, *recordingNotifier) {
	t.Helper()
	reg := newTestRegistry(t)
	plans := NewPlanStore()
	n := &recordingNotifier{}
	p := NewPlanner(PlannerConfig{Registry: reg, Plans: plans, Notifier: n, Logger: zerolog.Nop()})
	return p, reg, plans, n
}

// register adds a loopback peer whose ports derive from idx.
func register(t *testing.T, reg *registry.Registry, name string, role registry.Role, idx int, capacity int64) registry.PeerRecord {
	t.Helper()
	rec := registry.PeerRecord{
		Name:     name,
		Role:     role,
		Host:     "127.0.0.1",
		UDPPort:  5000 + idx,
		TCPPort:  6000 + idx,
		Capacity: capacity,
	}
	require.NoError(t, reg.Register(rec))
	rec, _ = reg.LookupByName(name)
	return rec
}
