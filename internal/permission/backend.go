// Package permission grants and revokes ranks in the permission backend.
package permission

import (
	"context"
	"fmt"
	"strings"

	"ranksync/internal/model"
)

const (
	inheritancePrefix = "group."
	nodeTypeInherit   = "inheritance"
)

// NodeContext restricts a node to a server, world or similar scope.
type NodeContext struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Node is a single permission entry. Inheritance nodes ("group.<name>") make the holder a member of a group.
type Node struct {
	Key     string        `json:"key"`
	Type    string        `json:"type,omitempty"`
	Value   bool          `json:"value"`
	Context []NodeContext `json:"context,omitempty"`
	Expiry  *int64        `json:"expiry,omitempty"`
}

// InheritanceNode returns the membership node for group.
func InheritanceNode(group string) Node {
	return Node{Key: inheritancePrefix + strings.ToLower(group), Type: nodeTypeInherit, Value: true}
}

// RankNodes returns the nodes a rank's group carries: a weighted prefix meta node followed by
// the rank's permissions.
func RankNodes(def model.RankDefinition, weight int) []Node {
	nodes := make([]Node, 0, len(def.Permissions)+1)
	if def.Prefix != "" {
		nodes = append(nodes, Node{Key: fmt.Sprintf("prefix.%d.%s", weight, def.Prefix), Type: "prefix", Value: true})
	}
	for _, perm := range def.Permissions {
		nodes = append(nodes, Node{Key: perm, Type: "permission", Value: true})
	}
	return nodes
}

// Group returns the group name an inheritance node points at.
func (n Node) Group() (string, bool) {
	if !n.Value || !strings.HasPrefix(n.Key, inheritancePrefix) {
		return "", false
	}
	return strings.TrimPrefix(n.Key, inheritancePrefix), true
}

// User is a player's permission record.
type User struct {
	Identity model.Identity `json:"uniqueId"`
	Username string         `json:"username,omitempty"`
	Nodes    []Node         `json:"nodes"`
}

// Groups returns the groups the user directly inherits.
func (u *User) Groups() []string {
	var groups []string
	for _, n := range u.Nodes {
		if g, ok := n.Group(); ok {
			groups = append(groups, g)
		}
	}
	return groups
}

// RemoveGroups drops every inheritance node whose group matches. It reports how many were removed.
func (u *User) RemoveGroups(match func(group string) bool) int {
	kept := u.Nodes[:0]
	removed := 0
	for _, n := range u.Nodes {
		if g, ok := n.Group(); ok && match(g) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	u.Nodes = kept
	return removed
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	c := *u
	c.Nodes = make([]Node, len(u.Nodes))
	for i, n := range u.Nodes {
		c.Nodes[i] = n
		if n.Context != nil {
			c.Nodes[i].Context = append([]NodeContext(nil), n.Context...)
		}
	}
	return &c
}

// Group is a permission group. Its inheritance nodes name its parents.
type Group struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// Parents returns the groups this group inherits from.
func (g *Group) Parents() []string {
	var parents []string
	for _, n := range g.Nodes {
		if p, ok := n.Group(); ok {
			parents = append(parents, p)
		}
	}
	return parents
}

// Backend is the capability surface of the external permission system.
type Backend interface {
	// LookupIdentity resolves a username. Unknown names return model.ErrIdentityNotFound.
	LookupIdentity(ctx context.Context, username string) (model.Identity, error)

	// LoadGroup returns the named group, or model.ErrRankNotFound.
	LoadGroup(ctx context.Context, name string) (*Group, error)

	// LoadUser returns the user's permission record. Transport failures wrap model.ErrBackendUnavailable.
	LoadUser(ctx context.Context, id model.Identity) (*User, error)

	// SaveUser persists the user's nodes.
	SaveUser(ctx context.Context, user *User) error
}
