package domain

import "slices"

// Caller is an identity resolved by the authorization guard in front of the
// ledger. The ledger trusts it as given.
type Caller struct {
	UserID   string
	Roles    []string
	elevated bool
	resolved bool
}

// NewCaller resolves roles against the set the boundary treats as elevated.
// The ledger itself has no opinion on which role names are elevated.
func NewCaller(userID string, roles, elevatedRoles []string) Caller {
	c := Caller{UserID: userID, Roles: roles, resolved: true}
	for _, r := range roles {
		if slices.Contains(elevatedRoles, r) {
			c.elevated = true
			break
		}
	}
	return c
}

// Resolved reports whether a role check produced this caller. The zero Caller is unresolved.
func (c Caller) Resolved() bool {
	return c.resolved && c.UserID != ""
}

func (c Caller) Elevated() bool {
	return c.Resolved() && c.elevated
}

// CanRead reports whether the caller may see userID's private ledger data.
func (c Caller) CanRead(userID string) bool {
	if !c.Resolved() {
		return false
	}
	return c.UserID == userID || c.elevated
}
