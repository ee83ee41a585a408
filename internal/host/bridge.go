// Package host is the backend side of the game-server runtime: the player session registry,
// the main-loop executor and the outbox of player messages the server shim displays.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ranksync/internal/model"
	"ranksync/internal/presence"

	"go.uber.org/zap"
)

var (
	// ErrNotOnMain is returned when a Main handle is used after its task returned.
	ErrNotOnMain = errors.New("player messaging must run on the main loop")
	// ErrPlayerOffline is returned when messaging a player without a session.
	ErrPlayerOffline = errors.New("player offline")
)

// Session is a connected player.
type Session struct {
	Username string         `json:"username"`
	Identity model.Identity `json:"identity"`
	JoinedAt time.Time      `json:"joined_at"`
}

// Message is a chat line waiting for the shim to display it.
type Message struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Bridge tracks sessions on one backend server and mirrors them into the shared presence directory.
type Bridge struct {
	server    string
	directory presence.Directory
	loop      *Loop
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Session
	outbox   map[model.Identity][]Message
}

// NewBridge creates a bridge for the server named server.
func NewBridge(server string, directory presence.Directory, loop *Loop, logger *zap.Logger) *Bridge {
	return &Bridge{
		server:    server,
		directory: directory,
		loop:      loop,
		logger:    logger.Named("host"),
		sessions:  make(map[string]Session),
		outbox:    make(map[model.Identity][]Message),
	}
}

// Server returns this backend's name.
func (b *Bridge) Server() string {
	return b.server
}

// Join registers a session and publishes the player's presence.
func (b *Bridge) Join(ctx context.Context, username string, id model.Identity) error {
	s := Session{Username: username, Identity: id, JoinedAt: time.Now()}

	b.mu.Lock()
	b.sessions[strings.ToLower(username)] = s
	b.mu.Unlock()

	if err := b.directory.Join(ctx, model.Presence{Username: username, Identity: id, Server: b.server}); err != nil {
		return fmt.Errorf("publish presence for %s: %w", username, err)
	}
	b.logger.Info("player joined", zap.String("username", username), zap.String("identity", id.String()))
	return nil
}

// Leave ends a session. Unread messages for the player are discarded.
func (b *Bridge) Leave(ctx context.Context, username string) error {
	key := strings.ToLower(username)

	b.mu.Lock()
	s, ok := b.sessions[key]
	delete(b.sessions, key)
	if ok {
		delete(b.outbox, s.Identity)
	}
	b.mu.Unlock()

	if err := b.directory.Leave(ctx, username, b.server); err != nil {
		return fmt.Errorf("withdraw presence for %s: %w", username, err)
	}
	if ok {
		b.logger.Info("player left", zap.String("username", username))
	}
	return nil
}

// Sessions returns connected players sorted by username.
func (b *Bridge) Sessions() []Session {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// IdentityOf returns the identity of a connected player.
func (b *Bridge) IdentityOf(username string) (model.Identity, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.sessions[strings.ToLower(username)]
	return s.Identity, ok
}

// Online reports whether id has a session on this server.
func (b *Bridge) Online(id model.Identity) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sessions {
		if s.Identity == id {
			return true
		}
	}
	return false
}

// Messenger delivers chat lines to players. Only main-loop tasks receive one.
type Messenger interface {
	SendMessage(id model.Identity, text string) error
}

// Main is the handle a main-loop task gets. It stops working once the task returns.
type Main struct {
	bridge *Bridge
	live   atomic.Bool
}

// SendMessage queues text for the player.
func (m *Main) SendMessage(id model.Identity, text string) error {
	if !m.live.Load() {
		return ErrNotOnMain
	}
	return m.bridge.enqueueMessage(id, text)
}

// RunOnMain schedules task on the main loop. Player messaging is only reachable through
// the Messenger passed to task.
func (b *Bridge) RunOnMain(task func(m Messenger)) error {
	return b.loop.Submit(func() {
		m := &Main{bridge: b}
		m.live.Store(true)
		defer m.live.Store(false)
		task(m)
	})
}

func (b *Bridge) enqueueMessage(id model.Identity, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.onlineLocked(id) {
		return ErrPlayerOffline
	}
	b.outbox[id] = append(b.outbox[id], Message{Text: text, SentAt: time.Now()})
	return nil
}

func (b *Bridge) onlineLocked(id model.Identity) bool {
	for _, s := range b.sessions {
		if s.Identity == id {
			return true
		}
	}
	return false
}

// DrainMessages returns and clears the player's pending messages.
func (b *Bridge) DrainMessages(username string) ([]Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[strings.ToLower(username)]
	if !ok {
		return nil, false
	}
	msgs := b.outbox[s.Identity]
	delete(b.outbox, s.Identity)
	return msgs, true
}

// Close withdraws every session from the presence directory.
func (b *Bridge) Close(ctx context.Context) error {
	var errs []error
	for _, s := range b.Sessions() {
		if err := b.Leave(ctx, s.Username); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
