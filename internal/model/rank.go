package model

import "github.com/google/uuid"

// RankDefinition describes a purchasable rank as configured by the operator.
type RankDefinition struct {
	Name        string   `json:"name" yaml:"name"`
	Prefix      string   `json:"prefix" yaml:"prefix"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Identity is the permission backend's stable key for a player.
type Identity = uuid.UUID

// Presence locates an online player: who they are and which backend server holds their session.
type Presence struct {
	Username string   `json:"username"`
	Identity Identity `json:"identity"`
	Server   string   `json:"server"`
}
