// Package rbac decides what a user may do on a bot given their relation to
// it.
package rbac

type Role string
type Action string

const (
	RoleNone         Role = "none"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	ActionRead      Action = "read"
	ActionEdit      Action = "edit"
	ActionComment   Action = "comment"
	ActionResolve   Action = "resolve"
	ActionOpenPR    Action = "open_pull_request"
	ActionMerge     Action = "merge"
	ActionManage    Action = "manage"
	ActionReconcile Action = "reconcile"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCollaborator:
		switch action {
		case ActionRead, ActionEdit, ActionComment, ActionResolve, ActionOpenPR:
			return true
		}
		return false
	default:
		return false
	}
}

// Resolve derives the role of userID on a bot owned by ownerID.
func Resolve(ownerID, userID string, isCollaborator bool) Role {
	switch {
	case userID != "" && userID == ownerID:
		return RoleOwner
	case isCollaborator:
		return RoleCollaborator
	default:
		return RoleNone
	}
}
