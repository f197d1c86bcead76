package memory

import (
	"github.com/taleweave/memoria/errors"
)

type (
	// Capability is one permission bit of a scope token.
	Capability uint8

	// ScopeToken describes which agent role is calling and which capability
	// set it holds. Roles are configuration profiles over one capability
	// interface, not a type hierarchy.
	ScopeToken struct {
		Agent string
		caps  Capability
	}
)

const (
	CapRead Capability = 1 << iota
	CapAppend
	CapAdminister
)

func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapAppend:
		return "append"
	case CapAdminister:
		return "administer"
	default:
		return "unknown"
	}
}

// NewReadOnlyToken grants retrieval only.
func NewReadOnlyToken(agent string) ScopeToken {
	return ScopeToken{Agent: agent, caps: CapRead}
}

// NewAppendToken grants retrieval plus ingestion. Chunks may be added, never
// edited.
func NewAppendToken(agent string) ScopeToken {
	return ScopeToken{Agent: agent, caps: CapRead | CapAppend}
}

// NewAdminToken grants everything, including purge and forced reconciliation.
func NewAdminToken(agent string) ScopeToken {
	return ScopeToken{Agent: agent, caps: CapRead | CapAppend | CapAdminister}
}

func (t ScopeToken) Allows(c Capability) bool {
	return t.caps&c == c
}

// require is checked before any side effect so a denied call changes no
// state.
func (t ScopeToken) require(c Capability) error {
	if t.Allows(c) {
		return nil
	}
	return errors.Wrapf(errors.ErrPermissionDenied, "agent %q lacks %s capability", t.Agent, c)
}
