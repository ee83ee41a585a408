package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ranksync/internal/model"
)

// MemoryBackend is an in-process Backend for development and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	names  map[string]model.Identity
	users  map[model.Identity]*User
	groups map[string]*Group
	saves  int
}

// NewMemoryBackend creates an empty backend with the "default" group LuckPerms always has.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		names:  make(map[string]model.Identity),
		users:  make(map[model.Identity]*User),
		groups: make(map[string]*Group),
	}
	b.AddGroup("default")
	return b
}

// AddGroup creates a group inheriting from parents.
func (b *MemoryBackend) AddGroup(name string, parents ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := &Group{Name: strings.ToLower(name)}
	for _, p := range parents {
		g.Nodes = append(g.Nodes, InheritanceNode(p))
	}
	b.groups[g.Name] = g
}

// AddRank creates the group for a configured rank, carrying its prefix and permissions.
func (b *MemoryBackend) AddRank(def model.RankDefinition, weight int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := &Group{Name: strings.ToLower(def.Name), Nodes: RankNodes(def, weight)}
	b.groups[g.Name] = g
}

// AddUser registers a player so LookupIdentity can find them.
func (b *MemoryBackend) AddUser(username string, id model.Identity, nodes ...Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.names[strings.ToLower(username)] = id
	b.users[id] = &User{Identity: id, Username: username, Nodes: nodes}
}

// Saves returns how many times SaveUser ran.
func (b *MemoryBackend) Saves() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.saves
}

// LookupIdentity resolves a username.
func (b *MemoryBackend) LookupIdentity(ctx context.Context, username string) (model.Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.names[strings.ToLower(username)]
	if !ok {
		return model.Identity{}, fmt.Errorf("%s: %w", username, model.ErrIdentityNotFound)
	}
	return id, nil
}

// LoadGroup returns the named group.
func (b *MemoryBackend) LoadGroup(ctx context.Context, name string) (*Group, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, model.ErrRankNotFound)
	}
	c := *g
	c.Nodes = append([]Node(nil), g.Nodes...)
	return &c, nil
}

// LoadUser returns a copy of the user's record, creating an empty one for unseen identities.
func (b *MemoryBackend) LoadUser(ctx context.Context, id model.Identity) (*User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	u, ok := b.users[id]
	if !ok {
		return &User{Identity: id}, nil
	}
	return u.Clone(), nil
}

// SaveUser stores a copy of user.
func (b *MemoryBackend) SaveUser(ctx context.Context, user *User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.users[user.Identity] = user.Clone()
	b.saves++
	return nil
}

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)
