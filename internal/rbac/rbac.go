// Package rbac decides what a document role may do.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
	// RoleNone is returned for users with no access to the document.
	RoleNone Role = ""
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionWrite    Action = "write"
	ActionShare    Action = "share"
	ActionGenerate Action = "generate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleEditor:
		switch action {
		case ActionRead, ActionComment, ActionWrite, ActionShare, ActionGenerate:
			return true
		}
		return false
	case RoleViewer:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps a stored role string onto a known role. Unknown values
// grant nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

// Assignable reports whether role may be granted to a collaborator.
// Ownership is never shared.
func Assignable(role string) bool {
	return Role(role) == RoleViewer || Role(role) == RoleEditor
}
