package wsession

import (
	"fmt"
	"sync"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// Registry tracks open sessions grouped by user and enforces the per-user cap.
// Anonymous echo sessions are registered under their own session id.
type Registry struct {
	maxPerUser int

	mutex    sync.Mutex
	byUser   map[string]map[*Session]struct{}
	reserved map[string]int
}

func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		byUser:     make(map[string]map[*Session]struct{}),
		reserved:   make(map[string]int),
	}
}

// Reserve claims a slot for userID ahead of the websocket upgrade.
// The returned release func must be called if the session never gets added.
func (r *Registry) Reserve(userID string) (release func(), err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.byUser[userID])+r.reserved[userID] >= r.maxPerUser {
		return nil, errors.NewConflictError(
			fmt.Sprintf("user already has %d open sessions", r.maxPerUser),
			nil,
		).WithContext("user", userID)
	}
	r.reserved[userID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mutex.Lock()
			defer r.mutex.Unlock()
			r.unreserve(userID)
		})
	}, nil
}

func (r *Registry) unreserve(userID string) {
	if r.reserved[userID] <= 1 {
		delete(r.reserved, userID)
		return
	}
	r.reserved[userID]--
}

// Add turns a reservation into a registered session
func (r *Registry) Add(s *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.unreserve(s.UserID())
	sessions, ok := r.byUser[s.UserID()]
	if !ok {
		sessions = make(map[*Session]struct{})
		r.byUser[s.UserID()] = sessions
	}
	sessions[s] = struct{}{}
}

func (r *Registry) Remove(s *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sessions, ok := r.byUser[s.UserID()]
	if !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.byUser, s.UserID())
	}
}

// Sessions returns a snapshot of a user's sessions
func (r *Registry) Sessions(userID string) []*Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	result := make([]*Session, 0, len(r.byUser[userID]))
	for s := range r.byUser[userID] {
		result = append(result, s)
	}
	return result
}

// Count is the number of registered sessions across all users
func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	total := 0
	for _, sessions := range r.byUser {
		total += len(sessions)
	}
	return total
}

func (r *Registry) All() []*Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	result := make([]*Session, 0)
	for _, sessions := range r.byUser {
		for s := range sessions {
			result = append(result, s)
		}
	}
	return result
}
