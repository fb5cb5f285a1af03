package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

// Tracker holds the online set as seen by one local user.
type Tracker struct {
	self string

	mu      sync.RWMutex
	members map[string]struct{}

	changes *chat.Hub[[]string]
}

// NewTracker creates an empty Tracker for the local user self.
func NewTracker(self string) *Tracker {
	return &Tracker{
		self:    self,
		members: make(map[string]struct{}),
		changes: chat.NewHub[[]string](),
	}
}

// Apply folds msg into the set. Messages from the local user are ignored.
// A malformed roster leaves the set unchanged and returns the error.
func (t *Tracker) Apply(msg protocol.ChatMessage) error {
	if msg.Sender == t.self {
		return nil
	}
	ev, err := Classify(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	changed := t.apply(ev)
	snapshot := t.snapshot()
	t.mu.Unlock()

	if changed {
		t.changes.Publish(snapshot)
	}
	return nil
}

func (t *Tracker) apply(ev Event) bool {
	switch ev.Kind {
	case Join:
		if _, ok := t.members[ev.User]; ok {
			return false
		}
		t.members[ev.User] = struct{}{}
		return true
	case Leave:
		if _, ok := t.members[ev.User]; !ok {
			return false
		}
		delete(t.members, ev.User)
		return true
	case Roster:
		t.members = lo.SliceToMap(ev.Members, func(u string) (string, struct{}) {
			return u, struct{}{}
		})
		return true
	default:
		return false
	}
}

// AddSelf marks the local user online. It is called once the connection is established.
// A later roster replaces the whole set, self included.
func (t *Tracker) AddSelf() {
	t.mu.Lock()
	_, present := t.members[t.self]
	t.members[t.self] = struct{}{}
	snapshot := t.snapshot()
	t.mu.Unlock()

	if !present {
		t.changes.Publish(snapshot)
	}
}

// Clear empties the set.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.members = make(map[string]struct{})
	t.mu.Unlock()

	t.changes.Publish([]string{})
}

// Snapshot returns the members in sorted order.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() []string {
	out := lo.Keys(t.members)
	slices.Sort(out)
	return out
}

// Contains reports whether user is online.
func (t *Tracker) Contains(user string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[user]
	return ok
}

// OnChange registers fn to receive the sorted member list after every change.
func (t *Tracker) OnChange(fn func([]string)) *chat.Subscription {
	return t.changes.Register(fn)
}
