package auth

// Role is a dashboard user's role.
type Role string

const (
	// RoleViewer reads positions and connection status.
	RoleViewer Role = "viewer"
	// RoleOperator saves credentials and triggers manual runs.
	RoleOperator Role = "operator"
	// RoleAdmin controls the polling schedule.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required] && roleRanks[role] > 0
}
