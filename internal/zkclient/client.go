// Package zkclient is a thin, synchronous wrapper over ZooKeeper
// (github.com/go-zookeeper/zk), implementing the capability interface
// spec.md §4.A and §9 call for so that the balancing core can be driven
// against either a real ensemble or an in-memory fake
// (see internal/zkclient/faketest).
package zkclient

import (
	"errors"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/twmb/kgroup/internal/klog"
)

// ErrNoNode is returned by Children and Get when the path does not
// exist; Delete treats a missing path as success and returns nil. It mirrors kazoo/kafka-cg's NoNodeException: callers treat it
// as "nothing to do" rather than a hard failure in most call sites.
var ErrNoNode = zk.ErrNoNode

// ErrNodeExists is returned by CreateEphemeral when the path is already
// claimed by some member (possibly this one, from a prior session).
var ErrNodeExists = zk.ErrNodeExists

// SessionEvent is surfaced to the lifecycle layer so it can trigger a
// rebalance on session loss, per spec.md §4.A.
type SessionEvent int

const (
	SessionOK SessionEvent = iota
	SessionSuspended
	SessionExpired
)

// ChildWatchFunc is invoked with the new child list whenever the watched
// path's children change. Returning Disarm stops the watch from
// re-arming; this is how a stopped member silences its own watches
// (spec.md §4.E / §9's weak-reference discussion).
type ChildWatchFunc func(children []string) WatchDecision

type WatchDecision int

const (
	Rearm WatchDecision = iota
	Disarm
)

// Client is the capability interface the rest of kgroup depends on. The
// concrete *Conn below backs it with a real ZooKeeper session; tests use
// internal/zkclient/faketest instead.
type Client interface {
	CreateEphemeral(path string, value []byte) error
	Delete(path string) error
	Children(path string) ([]string, error)
	Get(path string) ([]byte, error)
	EnsurePath(path string) error
	WatchChildren(path string, cb ChildWatchFunc) error
	OnSessionEvent(func(SessionEvent))
	Close() error
}

// Conn is the production Client backed by a real ZooKeeper session.
type Conn struct {
	conn *zk.Conn
	log  klog.Logger

	sessionCbsMu sync.Mutex
	sessionCbs   []func(SessionEvent)
}

// Dial opens a ZooKeeper session against addrs (one host:port per entry,
// per spec.md's zookeeper_connect), honoring connTimeout the way pykafka's
// BalancedConsumer._setup_zookeeper does.
func Dial(addrs []string, connTimeout time.Duration, log klog.Logger) (*Conn, error) {
	conn, events, err := zk.Connect(addrs, connTimeout)
	if err != nil {
		return nil, err
	}
	c := &Conn{conn: conn, log: log}
	go c.watchSession(events)
	return c, nil
}

func (c *Conn) watchSession(events <-chan zk.Event) {
	for ev := range events {
		var se SessionEvent
		switch ev.State {
		case zk.StateHasSession:
			se = SessionOK
		case zk.StateDisconnected:
			se = SessionSuspended
		case zk.StateExpired:
			se = SessionExpired
		default:
			continue
		}
		c.log.Log(klog.LevelDebug, "zk session event", "state", ev.State.String())
		c.sessionCbsMu.Lock()
		cbs := append([]func(SessionEvent){}, c.sessionCbs...)
		c.sessionCbsMu.Unlock()
		for _, cb := range cbs {
			cb(se)
		}
	}
}

func (c *Conn) OnSessionEvent(cb func(SessionEvent)) {
	c.sessionCbsMu.Lock()
	c.sessionCbs = append(c.sessionCbs, cb)
	c.sessionCbsMu.Unlock()
}

func (c *Conn) CreateEphemeral(path string, value []byte) error {
	_, err := c.conn.Create(path, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	return err
}

func (c *Conn) Delete(path string) error {
	err := c.conn.Delete(path, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

func (c *Conn) Children(path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	return children, err
}

func (c *Conn) Get(path string) ([]byte, error) {
	value, _, err := c.conn.Get(path)
	return value, err
}

// EnsurePath creates every missing persistent ancestor of path, the way
// KazooClient.ensure_path does.
func (c *Conn) EnsurePath(path string) error {
	return ensurePath(c.conn, path)
}

func ensurePath(conn *zk.Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	parent := parentOf(path)
	if parent != "" && parent != path {
		if err := ensurePath(conn, parent); err != nil {
			return err
		}
	}
	_, err = conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return err
	}
	return nil
}

func parentOf(path string) string {
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// WatchChildren installs a recursive watch on path: every time the child
// list changes, cb is called with the new list. If cb returns Disarm, the
// watch is not re-armed. One goroutine owns this watch for its entire
// life, the same "one goroutine, one loop, told to stop" shape as
// franz-go's updateMetadataLoop.
func (c *Conn) WatchChildren(path string, cb ChildWatchFunc) error {
	_, _, events, err := c.conn.ChildrenW(path)
	if err != nil {
		return err
	}
	go c.runWatch(path, events, cb)
	return nil
}

func (c *Conn) runWatch(path string, events <-chan zk.Event, cb ChildWatchFunc) {
	for range events {
		children, _, nextEvents, err := c.conn.ChildrenW(path)
		if err != nil {
			c.log.Log(klog.LevelWarn, "re-arming watch failed", "path", path, "err", err)
			return
		}
		if cb(children) == Disarm {
			return
		}
		events = nextEvents
	}
}

func (c *Conn) Close() error {
	c.conn.Close()
	return nil
}
