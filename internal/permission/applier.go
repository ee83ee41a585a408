package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ranksync/internal/host"
	"ranksync/internal/model"

	"go.uber.org/zap"
)

// Host is the slice of the game-server runtime the applier needs.
type Host interface {
	// IdentityOf returns the identity of a connected player.
	IdentityOf(username string) (model.Identity, bool)

	// Online reports whether the identity has a live session.
	Online(id model.Identity) bool

	// RunOnMain schedules task on the server's main loop. Messages go through m.
	RunOnMain(task func(m host.Messenger)) error
}

// Applier applies, removes and checks ranks against the permission backend.
type Applier struct {
	backend Backend
	host    Host
	ranks   map[string]struct{}
	logger  *zap.Logger
}

// NewApplier creates an applier. rankNames are the configured ranks; inheritance nodes for any
// of them form the rank category that ApplyRank replaces.
func NewApplier(backend Backend, h Host, rankNames []string, logger *zap.Logger) *Applier {
	ranks := make(map[string]struct{}, len(rankNames))
	for _, name := range rankNames {
		ranks[strings.ToLower(name)] = struct{}{}
	}
	return &Applier{
		backend: backend,
		host:    h,
		ranks:   ranks,
		logger:  logger.Named("permission"),
	}
}

// ResolveIdentity maps a username to an identity, preferring live sessions over the backend.
func (a *Applier) ResolveIdentity(ctx context.Context, username string) (model.Identity, error) {
	if a.host != nil {
		if id, ok := a.host.IdentityOf(username); ok {
			return id, nil
		}
	}
	return a.backend.LookupIdentity(ctx, username)
}

// Apply resolves username and applies rankName.
func (a *Applier) Apply(ctx context.Context, username, rankName string) error {
	id, err := a.ResolveIdentity(ctx, username)
	if err != nil {
		return err
	}
	return a.ApplyRank(ctx, id, rankName)
}

// ApplyRank replaces the user's rank-category memberships with rankName.
// An unknown rank fails with model.ErrRankNotFound before anything is written.
func (a *Applier) ApplyRank(ctx context.Context, id model.Identity, rankName string) error {
	group, err := a.backend.LoadGroup(ctx, rankName)
	if err != nil {
		return err
	}

	user, err := a.backend.LoadUser(ctx, id)
	if err != nil {
		return fmt.Errorf("load user %s: %w", id, err)
	}

	target := strings.ToLower(group.Name)
	user.RemoveGroups(func(g string) bool {
		_, isRank := a.ranks[g]
		return isRank || g == target
	})
	user.Nodes = append(user.Nodes, InheritanceNode(target))

	if err := a.backend.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user %s: %w", id, err)
	}

	a.logger.Info("applied rank", zap.String("identity", id.String()), zap.String("rank", rankName))
	a.notify(id, "§aYour rank has been updated to §6"+rankName+"§a!")
	return nil
}

// RemoveRank drops the user's membership of rankName. Removing an absent membership is a no-op.
func (a *Applier) RemoveRank(ctx context.Context, id model.Identity, rankName string) error {
	group, err := a.backend.LoadGroup(ctx, rankName)
	if err != nil {
		return err
	}

	user, err := a.backend.LoadUser(ctx, id)
	if err != nil {
		return fmt.Errorf("load user %s: %w", id, err)
	}

	target := strings.ToLower(group.Name)
	if user.RemoveGroups(func(g string) bool { return g == target }) == 0 {
		return nil
	}

	if err := a.backend.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user %s: %w", id, err)
	}

	a.logger.Info("removed rank", zap.String("identity", id.String()), zap.String("rank", rankName))
	a.notify(id, "§cYour rank §6"+rankName+" §chas been removed!")
	return nil
}

// HasRank reports whether rankName is among the user's effective groups, following group parents.
func (a *Applier) HasRank(ctx context.Context, id model.Identity, rankName string) (bool, error) {
	groups, err := a.EffectiveGroups(ctx, id)
	if err != nil {
		return false, err
	}
	_, ok := groups[strings.ToLower(rankName)]
	return ok, nil
}

// EffectiveGroups returns every group the user inherits directly or through parents.
func (a *Applier) EffectiveGroups(ctx context.Context, id model.Identity) (map[string]struct{}, error) {
	user, err := a.backend.LoadUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}

	seen := make(map[string]struct{})
	queue := user.Groups()
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		group, err := a.backend.LoadGroup(ctx, name)
		if errors.Is(err, model.ErrRankNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		queue = append(queue, group.Parents()...)
	}
	return seen, nil
}

// notify sends text on the main loop when the player is connected. Delivery failures are logged only.
func (a *Applier) notify(id model.Identity, text string) {
	if a.host == nil || !a.host.Online(id) {
		return
	}
	err := a.host.RunOnMain(func(m host.Messenger) {
		if err := m.SendMessage(id, text); err != nil {
			a.logger.Warn("notification failed", zap.String("identity", id.String()), zap.Error(err))
		}
	})
	if err != nil {
		a.logger.Warn("could not schedule notification", zap.String("identity", id.String()), zap.Error(err))
	}
}
