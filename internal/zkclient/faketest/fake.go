// Package faketest provides an in-memory implementation of
// zkclient.Client for unit tests, the way franz-go's own tests fake a
// broker instead of dialing a real cluster.
package faketest

import (
	"sort"
	"strings"
	"sync"

	"github.com/twmb/kgroup/internal/zkclient"
)

type node struct {
	value     []byte
	ephemeral bool
}

// Fake is a minimal in-memory ZooKeeper tree: ephemeral and persistent
// nodes, recursive child watches, and an injectable session-event channel.
// It is not safe for anything beyond the balancing core's own access
// patterns (it is sufficient for that; it is not a ZooKeeper simulator).
type Fake struct {
	mu    sync.Mutex
	nodes map[string]node

	watchesMu sync.Mutex
	watches   map[string][]zkclient.ChildWatchFunc

	sessionCbsMu sync.Mutex
	sessionCbs   []func(zkclient.SessionEvent)
}

func New() *Fake {
	return &Fake{
		nodes:   map[string]node{"/": {}},
		watches: map[string][]zkclient.ChildWatchFunc{},
	}
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (f *Fake) CreateEphemeral(path string, value []byte) error {
	f.mu.Lock()
	if _, ok := f.nodes[path]; ok {
		f.mu.Unlock()
		return zkclient.ErrNodeExists
	}
	f.nodes[path] = node{value: value, ephemeral: true}
	f.mu.Unlock()
	f.fireChildWatch(parent(path))
	return nil
}

func (f *Fake) Delete(path string) error {
	f.mu.Lock()
	if _, ok := f.nodes[path]; !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.nodes, path)
	f.mu.Unlock()
	f.fireChildWatch(parent(path))
	return nil
}

func (f *Fake) Children(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	var children []string
	for p := range f.nodes {
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			if rest != "" && !strings.Contains(rest, "/") {
				children = append(children, rest)
			}
		}
	}
	sort.Strings(children)
	return children, nil
}

func (f *Fake) Get(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, zkclient.ErrNoNode
	}
	return n.value, nil
}

func (f *Fake) EnsurePath(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var build strings.Builder
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		build.WriteString("/")
		build.WriteString(seg)
		p := build.String()
		if _, ok := f.nodes[p]; !ok {
			f.nodes[p] = node{}
		}
	}
	return nil
}

func (f *Fake) WatchChildren(path string, cb zkclient.ChildWatchFunc) error {
	f.watchesMu.Lock()
	f.watches[path] = append(f.watches[path], cb)
	f.watchesMu.Unlock()
	return nil
}

func (f *Fake) fireChildWatch(path string) {
	f.watchesMu.Lock()
	cbs := f.watches[path]
	f.watchesMu.Unlock()
	if len(cbs) == 0 {
		return
	}
	children, _ := f.Children(path)

	keep := cbs[:0:0]
	for _, cb := range cbs {
		if cb(children) == zkclient.Rearm {
			keep = append(keep, cb)
		}
	}
	f.watchesMu.Lock()
	f.watches[path] = keep
	f.watchesMu.Unlock()
}

func (f *Fake) OnSessionEvent(cb func(zkclient.SessionEvent)) {
	f.sessionCbsMu.Lock()
	f.sessionCbs = append(f.sessionCbs, cb)
	f.sessionCbsMu.Unlock()
}

// ExpireSession simulates session loss: every ephemeral node this fake
// holds vanishes (as ZooKeeper would on real session expiry), and all
// registered session callbacks observe SessionExpired.
func (f *Fake) ExpireSession() {
	f.mu.Lock()
	var removedParents []string
	for p, n := range f.nodes {
		if n.ephemeral {
			delete(f.nodes, p)
			removedParents = append(removedParents, parent(p))
		}
	}
	f.mu.Unlock()

	for _, p := range removedParents {
		f.fireChildWatch(p)
	}

	f.sessionCbsMu.Lock()
	cbs := append([]func(zkclient.SessionEvent){}, f.sessionCbs...)
	f.sessionCbsMu.Unlock()
	for _, cb := range cbs {
		cb(zkclient.SessionExpired)
	}
}

// SetValue overwrites an existing persistent node's value, creating it as
// persistent if absent. It exists for tests that need to seed broker
// metadata znodes directly, bypassing the ephemeral-only write paths the
// Client interface exposes.
func (f *Fake) SetValue(path string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[path]
	n.value = value
	f.nodes[path] = n
	return nil
}

func (f *Fake) Close() error { return nil }

var _ zkclient.Client = (*Fake)(nil)
