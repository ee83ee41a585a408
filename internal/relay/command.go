// Package relay carries apply commands from the coordinator to individual backend servers over
// Redis pub/sub, and carries their acknowledgements back.
package relay

import (
	"fmt"
	"strings"

	"ranksync/internal/model"
)

const (
	prefix        = "ranksync"
	verbApply     = "apply"
	verbAck       = "ack"
	ackOK         = "ok"
	ackError      = "error"
	commandPrefix = "ranksync:command:"

	// AckChannel is where every backend publishes acknowledgements.
	AckChannel = "ranksync:ack"
)

// CommandChannel returns the channel a backend server listens on.
func CommandChannel(server string) string {
	return commandPrefix + server
}

// Command asks a backend to apply a rank to a connected player.
type Command struct {
	Username   string
	Rank       string
	PurchaseID string
}

// String renders the wire form "ranksync apply <username> <rank> <purchaseId>".
func (c Command) String() string {
	return strings.Join([]string{prefix, verbApply, c.Username, c.Rank, c.PurchaseID}, " ")
}

// Validate rejects commands whose fields would not survive the space-delimited encoding.
func (c Command) Validate() error {
	for name, v := range map[string]string{"username": c.Username, "rank": c.Rank, "purchase id": c.PurchaseID} {
		if v == "" || strings.ContainsAny(v, " \t\r\n") {
			return fmt.Errorf("%w: %s %q", model.ErrMalformedCommand, name, v)
		}
	}
	return nil
}

// ParseCommand decodes a wire command. All five tokens must be present; trailing tokens are ignored.
func ParseCommand(payload string) (Command, error) {
	tokens := strings.Split(strings.TrimSpace(payload), " ")
	if len(tokens) < 5 {
		return Command{}, fmt.Errorf("%w: want 5 tokens, got %d in %q", model.ErrMalformedCommand, len(tokens), payload)
	}
	if tokens[0] != prefix || tokens[1] != verbApply {
		return Command{}, fmt.Errorf("%w: unknown verb in %q", model.ErrMalformedCommand, payload)
	}

	cmd := Command{Username: tokens[2], Rank: tokens[3], PurchaseID: tokens[4]}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Ack reports the outcome of a Command.
type Ack struct {
	PurchaseID string
	// Err is nil on success, otherwise one of the model sentinel errors.
	Err     error
	Message string
}

// String renders "ranksync ack <purchaseId> ok" or "ranksync ack <purchaseId> error <code> <message...>".
func (a Ack) String() string {
	if a.Err == nil {
		return strings.Join([]string{prefix, verbAck, a.PurchaseID, ackOK}, " ")
	}
	parts := []string{prefix, verbAck, a.PurchaseID, ackError, model.ErrorCode(a.Err)}
	if msg := strings.Join(strings.Fields(a.Message), " "); msg != "" {
		parts = append(parts, msg)
	}
	return strings.Join(parts, " ")
}

// ParseAck decodes an acknowledgement.
func ParseAck(payload string) (Ack, error) {
	tokens := strings.Split(strings.TrimSpace(payload), " ")
	if len(tokens) < 4 || tokens[0] != prefix || tokens[1] != verbAck {
		return Ack{}, fmt.Errorf("%w: bad ack %q", model.ErrMalformedCommand, payload)
	}

	ack := Ack{PurchaseID: tokens[2]}
	switch tokens[3] {
	case ackOK:
		return ack, nil
	case ackError:
		if len(tokens) < 5 {
			return Ack{}, fmt.Errorf("%w: ack without error code %q", model.ErrMalformedCommand, payload)
		}
		ack.Err = model.ErrorFromCode(tokens[4])
		ack.Message = strings.Join(tokens[5:], " ")
		return ack, nil
	default:
		return Ack{}, fmt.Errorf("%w: bad ack status %q", model.ErrMalformedCommand, payload)
	}
}
