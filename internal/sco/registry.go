package sco

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btsco/internal/deathwatch"
)

// client is one registered caller. A client marked pendingRemoval has
// stopped but is kept until an in-flight deactivation settles.
type client struct {
	handle         ClientHandle
	pid            int
	token          deathwatch.Token
	pendingRemoval bool
}

func (c *client) outstanding() bool {
	return !c.pendingRemoval
}

// registry holds clients in registration order, one per handle.
type registry struct {
	clients *orderedmap.OrderedMap[ClientHandle, *client]
}

func newRegistry() *registry {
	return &registry{clients: orderedmap.New[ClientHandle, *client]()}
}

func (r *registry) get(h ClientHandle) (*client, bool) {
	return r.clients.Get(h)
}

func (r *registry) add(c *client) {
	r.clients.Set(c.handle, c)
}

func (r *registry) delete(h ClientHandle) {
	r.clients.Delete(h)
}

func (r *registry) len() int {
	return r.clients.Len()
}

// outstanding counts clients that are not pending removal.
func (r *registry) outstanding() int {
	n := 0
	for p := r.clients.Oldest(); p != nil; p = p.Next() {
		if p.Value.outstanding() {
			n++
		}
	}
	return n
}

// byPID returns the outstanding clients created by pid.
func (r *registry) byPID(pid int) []*client {
	return r.list(func(c *client) bool { return c.pid == pid && c.outstanding() })
}

// list returns the clients in registration order, optionally filtered.
func (r *registry) list(keep func(*client) bool) []*client {
	out := make([]*client, 0, r.clients.Len())
	for p := r.clients.Oldest(); p != nil; p = p.Next() {
		if keep == nil || keep(p.Value) {
			out = append(out, p.Value)
		}
	}
	return out
}
