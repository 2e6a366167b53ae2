package v1

// Role grades a principal's authority.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	// RoleSystem is held by the supervisor and bypasses permission checks.
	RoleSystem Role = "system"
)

// Principal is a human user or automated actor.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// AccessScope is the level of access requested against an agent.
type AccessScope string

const (
	ScopeRead   AccessScope = "read"
	ScopeWrite  AccessScope = "write"
	ScopeDelete AccessScope = "delete"
)

// System returns the supervisor principal.
func System() Principal {
	return Principal{ID: "trinity-supervisor", Role: RoleSystem}
}
