package ws

import (
	"github.com/c-pro/geche"
)

// Registry is the presence mapping from user identity to its live
// session. It is shared by every connection lifecycle and by the
// notification ingress, so every mutation runs inside a locker
// transaction.
//
// A later registration for the same identity silently overwrites the
// slot of an earlier connection without closing it; the loser keeps
// its transport but no longer receives fan-out.
type Registry struct {
	sessions *geche.Locker[string, *Session]
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: geche.NewLocker[string, *Session](geche.NewMapCache[string, *Session]()),
	}
}

func (r *Registry) Register(identity string, sess *Session) {
	tx := r.sessions.Lock()
	defer tx.Unlock()
	tx.Set(identity, sess)
}

// Unregister removes the mapping only while it still points at sess.
// A disconnect that lost the race against a newer registration for
// the same identity must not delete the newer entry.
func (r *Registry) Unregister(identity string, sess *Session) {
	tx := r.sessions.Lock()
	defer tx.Unlock()

	current, err := tx.Get(identity)
	if err != nil || current != sess {
		return
	}
	_ = tx.Del(identity)
}

func (r *Registry) Resolve(identity string) (*Session, bool) {
	tx := r.sessions.Lock()
	defer tx.Unlock()

	sess, err := tx.Get(identity)
	if err != nil {
		return nil, false
	}
	return sess, true
}
