// Package watch installs the three coordinator child-watches spec.md
// §4.E calls for (broker set, topic set, participant set) and turns any
// change into a rebalance trigger. It also implements participant
// enumeration, the piece the Rebalancer depends on through the
// rebalance.Participants interface.
package watch

import (
	"context"
	"errors"
	"sort"

	"github.com/twmb/kgroup/internal/klog"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/pkg/kgerr"
)

// Trigger is called whenever a watched path's children change in a way
// that implies a rebalance is needed. Implementations should enqueue,
// not block — franz-go's own metadata-refresh trigger channel is the
// model here (a buffered channel of capacity 1, non-blocking send).
type Trigger func()

// Dispatcher owns the three watches and the participant path for one
// group/topic pair.
type Dispatcher struct {
	client   zkclient.Client
	log      klog.Logger
	group    string
	topic    string
	memberID string

	ctx    context.Context
	cancel context.CancelFunc

	settingWatches bool // true only during Install, per spec.md §4.E
	trigger        Trigger
}

func New(client zkclient.Client, log klog.Logger, group, topic, memberID string, trigger Trigger) *Dispatcher {
	if log == nil {
		log = klog.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:   client,
		log:      log,
		group:    group,
		topic:    topic,
		memberID: memberID,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  trigger,
	}
}

// Install installs all three watches (spec.md §4.E table). While
// installing, callbacks fired synchronously by an already-populated tree
// (some zk client implementations deliver an immediate event) are
// suppressed: the caller's own initial rebalance already covers that
// window.
func (d *Dispatcher) Install() error {
	d.settingWatches = true
	defer func() { d.settingWatches = false }()

	if err := d.client.WatchChildren(zkclient.BrokerIDsPath(), d.callback("brokers")); err != nil {
		if errors.Is(err, zkclient.ErrNoNode) {
			return kgerr.ErrCoordinatorUnavailable
		}
		return err
	}
	if err := d.client.WatchChildren(zkclient.BrokerTopicsPath(), d.callback("topics")); err != nil {
		if errors.Is(err, zkclient.ErrNoNode) {
			return kgerr.ErrCoordinatorUnavailable
		}
		return err
	}
	if err := d.client.WatchChildren(zkclient.GroupIDsPath(d.group), d.callback("participants")); err != nil {
		return err
	}
	return nil
}

// Cancel disarms every watch installed by this dispatcher. A cancelled
// token makes every in-flight or future callback return Disarm instead of
// holding a strong reference to the dispatcher indefinitely (spec.md §9's
// "cyclic lifetime" note, expressed as a context cancellation token
// rather than a weak pointer).
func (d *Dispatcher) Cancel() {
	d.cancel()
}

func (d *Dispatcher) callback(reason string) zkclient.ChildWatchFunc {
	return func(children []string) zkclient.WatchDecision {
		if d.ctx.Err() != nil {
			return zkclient.Disarm
		}
		if d.settingWatches {
			return zkclient.Rearm
		}
		d.log.Log(klog.LevelDebug, "watch fired", "reason", reason, "children", len(children))
		d.trigger()
		return zkclient.Rearm
	}
}

// Get implements rebalance.Participants: list children of the group's
// ids path, read each child's value, keep only the ones registered for
// this topic, and return them sorted. If self is missing (a session
// expiry dropped our own ephemeral record), Get re-registers before
// returning, matching spec.md §4.D step 3.ii.
func (d *Dispatcher) Get() ([]string, error) {
	members, err := d.listParticipants()
	if err != nil {
		return nil, err
	}

	for _, m := range members {
		if m == d.memberID {
			return members, nil
		}
	}

	if err := d.registerSelf(); err != nil {
		return nil, err
	}
	members = append(members, d.memberID)
	sort.Strings(members)
	return members, nil
}

func (d *Dispatcher) listParticipants() ([]string, error) {
	idsPath := zkclient.GroupIDsPath(d.group)
	children, err := d.client.Children(idsPath)
	if err != nil {
		if errors.Is(err, zkclient.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}

	var members []string
	for _, child := range children {
		value, err := d.client.Get(idsPath + "/" + child)
		if err != nil {
			if errors.Is(err, zkclient.ErrNoNode) {
				continue // vanished between list and read, per spec.md §4.E
			}
			return nil, err
		}
		if string(value) == d.topic {
			members = append(members, child)
		}
	}
	sort.Strings(members)
	return members, nil
}

// RegisterSelf creates this member's participant record, first verifying
// there is enough work to go around (spec.md §4.E "Self-registration
// safety").
func (d *Dispatcher) RegisterSelf(partitionCount int) error {
	members, err := d.listParticipants()
	if err != nil {
		return err
	}
	if len(members) >= partitionCount {
		return kgerr.ErrCapacityExceeded
	}
	return d.registerSelf()
}

func (d *Dispatcher) registerSelf() error {
	path := zkclient.ParticipantPath(d.group, d.memberID)
	if err := d.client.CreateEphemeral(path, []byte(d.topic)); err != nil {
		if errors.Is(err, zkclient.ErrNodeExists) {
			return nil
		}
		return err
	}
	return nil
}

// DeregisterSelf removes this member's participant record explicitly, the
// "session-borrower" branch of spec.md §9's stop-path design note.
func (d *Dispatcher) DeregisterSelf() error {
	return d.client.Delete(zkclient.ParticipantPath(d.group, d.memberID))
}
