package authz

import (
	"context"
	"errors"
	"fmt"

	"group-chat/internal/apperrors"
	"group-chat/internal/repositories"
)

// Role is the relation a user holds in a group.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleInstructor     Role = "instructor"
	RoleStudent        Role = "student"
	RoleEventOrganizer Role = "event_organizer"
	RoleForbidden      Role = "forbidden"
)

// Gate resolves group access. Membership is reloaded on every call so a
// revocation applies to the very next gated operation.
type Gate struct {
	groups repositories.GroupRepository
}

// NewGate constructs a Gate over the group directory.
func NewGate(groups repositories.GroupRepository) *Gate {
	return &Gate{groups: groups}
}

// CanAccess returns the most specific role of userID in groupID, or
// RoleForbidden with apperrors.ErrAuthorization.
func (g *Gate) CanAccess(ctx context.Context, userID, groupID int) (Role, error) {
	m, err := g.groups.GetMembership(ctx, groupID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return RoleForbidden, err
		}
		return RoleForbidden, fmt.Errorf("%w: load membership: %v", apperrors.ErrPersistence, err)
	}

	if m.Admin != nil && *m.Admin == userID {
		return RoleAdmin, nil
	}
	if contains(m.Instructors, userID) {
		return RoleInstructor, nil
	}
	if contains(m.Students, userID) {
		return RoleStudent, nil
	}
	if contains(m.EventOrganizers, userID) {
		return RoleEventOrganizer, nil
	}
	return RoleForbidden, fmt.Errorf("%w: user %d in group %d", apperrors.ErrAuthorization, userID, groupID)
}

// Recipients returns every member of groupID except the given user.
func (g *Gate) Recipients(ctx context.Context, groupID, except int) ([]int, error) {
	m, err := g.groups.GetMembership(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0)
	for _, id := range m.MemberIDs() {
		if id != except {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CanModerate reports whether a caller with role may edit or delete a
// message sent by senderID.
func CanModerate(role Role, senderID, userID int) bool {
	return role == RoleAdmin || senderID == userID
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
