package station

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/relaynet/internal/protocol/session"
)

// Route maps one logical id to the child connection that reaches it. Via is
// set when the id sits below a direct child.
type Route struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Via       string    `json:"via,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  uint64    `json:"messages"`
}

// Link names the direct child a message to this route goes out on. Outbox
// entries and confirmations are keyed by it.
func (r Route) Link() string {
	if r.Via != "" {
		return r.Via
	}
	return r.ID
}

type routeEntry struct {
	route Route
	conn  *session.Conn
}

// Routes is the logical id -> child connection table.
type Routes struct {
	mu    sync.RWMutex
	items map[string]*routeEntry
}

func NewRoutes() *Routes {
	return &Routes{items: make(map[string]*routeEntry)}
}

// Resolve records traffic from id over conn, creating the route on first
// contact or rebinding it when the id shows up on a new connection. It
// reports whether the route was created or rebound.
func (r *Routes) Resolve(id, via string, conn *session.Conn, now time.Time) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok || e.conn != conn || e.route.Via != via {
		first := now
		if ok {
			first = e.route.FirstSeen
		}
		e = &routeEntry{
			route: Route{ID: id, Addr: conn.RemoteAddr(), Via: via, FirstSeen: first},
			conn:  conn,
		}
		r.items[id] = e
		ok = false
	}
	e.route.LastSeen = now
	e.route.Messages++
	return e.route, !ok
}

func (r *Routes) Lookup(id string) (Route, *session.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return Route{}, nil, false
	}
	return e.route, e.conn, true
}

func (r *Routes) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	return true
}

// RemoveConn drops every route still bound to conn and returns their ids.
// Routes already rebound to a newer connection are kept.
func (r *Routes) RemoveConn(conn *session.Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.items {
		if e.conn == conn {
			delete(r.items, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// children returns the direct child routes with their connections.
func (r *Routes) children() map[string]*session.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*session.Conn)
	for id, e := range r.items {
		if e.route.Via == "" {
			out[id] = e.conn
		}
	}
	return out
}

func (r *Routes) List() []Route {
	r.mu.RLock()
	out := make([]Route, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.route)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Routes) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
