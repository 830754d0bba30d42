package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RolePlanner  Role = "planner"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionReport Action = "report"
	ActionPlan   Action = "plan"
	ActionAdmin  Action = "admin"
)

// Roles lists every role from least to most privileged.
func Roles() []Role {
	return []Role{RoleViewer, RoleOperator, RolePlanner, RoleAdmin}
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePlanner:
		return action == ActionRead || action == ActionReport || action == ActionPlan
	case RoleOperator:
		return action == ActionRead || action == ActionReport
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Permissions returns the actions role may perform, in a fixed order.
func Permissions(role Role) []Action {
	var out []Action
	for _, action := range []Action{ActionRead, ActionReport, ActionPlan, ActionAdmin} {
		if Can(role, action) {
			out = append(out, action)
		}
	}
	return out
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleOperator, RolePlanner, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
