package auth

import (
	"evmoracle/core/identity"
	oerrors "evmoracle/services/oracled/errors"
)

// OwnerSource exposes the currently configured owner.
type OwnerSource interface {
	Owner() identity.Identity
}

// Gate authorizes mutating calls against the single configured owner.
type Gate struct {
	owners OwnerSource
}

// NewGate builds a gate reading the owner from src on every check.
func NewGate(src OwnerSource) *Gate {
	return &Gate{owners: src}
}

// CheckOwner succeeds when caller is the owner, or when no owner was set yet
// and the oracle is still in its bootstrap state.
func (g *Gate) CheckOwner(caller identity.Identity) error {
	owner := g.owners.Owner()
	if owner.IsAnonymous() || caller == owner {
		return nil
	}
	return oerrors.ErrNotAuthorized
}
