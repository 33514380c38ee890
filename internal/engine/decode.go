package engine

import (
	"encoding/json"
	"fmt"
)

// Decode maps a submitted command type and JSON payload onto its concrete
// command. The set of types is closed; unknown names are a validation error.
func Decode(kind string, payload json.RawMessage) (Command, error) {
	var cmd Command
	switch kind {
	case KindCreateUser:
		cmd = &CreateUser{}
	case KindUpdateUser:
		cmd = &UpdateUser{}
	case KindCreateGroup:
		cmd = &CreateGroup{}
	case KindUpdateGroup:
		cmd = &UpdateGroup{}
	case KindCreateRole:
		cmd = &CreateRole{}
	case KindUpdateRole:
		cmd = &UpdateRole{}
	case KindCreateResource:
		cmd = &CreateResource{}
	case KindUpdateResource:
		cmd = &UpdateResource{}
	case KindDeleteEntity:
		cmd = &DeleteEntity{}
	case KindAddGroupMember:
		cmd = &AddGroupMember{}
	case KindDropGroupMember:
		cmd = &DropGroupMember{}
	case KindAddGroupParent:
		cmd = &AddGroupParent{}
	case KindDropGroupParent:
		cmd = &DropGroupParent{}
	case KindAssignUserRole:
		cmd = &AssignUserRole{}
	case KindDropUserRole:
		cmd = &DropUserRole{}
	case KindAssignGroupRole:
		cmd = &AssignGroupRole{}
	case KindDropGroupRole:
		cmd = &DropGroupRole{}
	case KindGrantPermission:
		cmd = &GrantPermission{}
	case KindRevokePermission:
		cmd = &RevokePermission{}
	case KindDelegate:
		cmd = &DelegatePermission{}
	case KindDropDelegation:
		cmd = &DropDelegation{}
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrValidation, kind)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, kind, err)
		}
	}
	return cmd, nil
}
