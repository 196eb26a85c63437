package model

// Role is the capacity in which an actor performs an action.
// An actor may hold several roles; every event is attributed to exactly one.
type Role string

const (
	RoleFarmer      Role = "farmer"
	RoleFacility    Role = "facility"
	RoleLaboratory  Role = "laboratory"
	RoleDistributor Role = "distributor"
	RoleRegulator   Role = "regulator"
	// RoleConsumer is read-only; it never appears on a StageEvent.
	RoleConsumer Role = "consumer"
)

// Roles lists every known role.
var Roles = []Role{RoleFarmer, RoleFacility, RoleLaboratory, RoleDistributor, RoleRegulator, RoleConsumer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ReadOnly reports whether r may only read batch state.
func (r Role) ReadOnly() bool { return r == RoleConsumer }
