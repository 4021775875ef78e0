package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

// User is the display metadata the core needs about a person.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Directory resolves user ids. It is owned by the profile/CRUD layer; the
// messaging core only reads from it.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// StaticDirectory is an in-memory Directory seeded from configuration.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ Directory = (*StaticDirectory)(nil)

func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user. Users without an id are ignored.
func (d *StaticDirectory) Put(u User) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return
	}
	if strings.TrimSpace(u.Name) == "" {
		u.Name = u.ID
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (User, error) {
	d.mu.RLock()
	u, ok := d.users[strings.TrimSpace(userID)]
	d.mu.RUnlock()
	if !ok {
		return User{}, errors.Wrapf(apperr.ErrNotFound, "user %q", userID)
	}
	return u, nil
}

func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
