package bracket

import (
	"strings"

	"github.com/google/uuid"
)

// Role is the part an order plays inside one bracket.
type Role string

const (
	RoleEntry   Role = "entry"
	RoleStop    Role = "stop"
	RoleTarget  Role = "target"
	RoleFlatten Role = "flatten"
)

const labelPrefix = "bkt"

// TxID correlates every order sent during one placement attempt. It travels as a typed
// value through the placement and is only formatted at the venue boundary.
type TxID string

// NewTxID returns a fresh transaction id.
func NewTxID() TxID {
	return TxID(uuid.NewString())
}

func (tx TxID) String() string { return string(tx) }

// Label builds the human-readable order label bkt:<tx>:<role>.
func (tx TxID) Label(role Role) string {
	return labelPrefix + ":" + string(tx) + ":" + string(role)
}

// ParseLabel recovers the transaction id and role from an order label. ok is false for
// orders not placed by this package.
func ParseLabel(label string) (tx TxID, role Role, ok bool) {
	parts := strings.Split(label, ":")
	if len(parts) != 3 || parts[0] != labelPrefix || parts[1] == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", "", false
	}
	switch r := Role(parts[2]); r {
	case RoleEntry, RoleStop, RoleTarget, RoleFlatten:
		return TxID(parts[1]), r, true
	}
	return "", "", false
}
