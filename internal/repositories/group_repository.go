package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"group-chat/internal/apperrors"
	"group-chat/internal/models"
)

var ErrGroupNotFound = fmt.Errorf("group %w", apperrors.ErrNotFound)

// GroupRepository is the read-only view of the group directory.
type GroupRepository interface {
	GetMembership(ctx context.Context, groupID int) (models.Membership, error)
	ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error)
}

// GroupRepo reads membership from the directory tables.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// GetMembership loads the full membership of a group.
func (r *GroupRepo) GetMembership(ctx context.Context, groupID int) (models.Membership, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, admin_id, created_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrGroupNotFound
	}
	if err != nil {
		return models.Membership{}, err
	}

	var rows []struct {
		UserID int    `db:"user_id"`
		Role   string `db:"role"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT user_id, role FROM group_members WHERE group_id=$1 ORDER BY user_id`, groupID); err != nil {
		return models.Membership{}, err
	}

	m := models.Membership{
		GroupID:         groupID,
		Admin:           group.AdminID,
		Instructors:     []int{},
		Students:        []int{},
		EventOrganizers: []int{},
	}
	for _, row := range rows {
		switch row.Role {
		case models.MemberRoleInstructor:
			m.Instructors = append(m.Instructors, row.UserID)
		case models.MemberRoleStudent:
			m.Students = append(m.Students, row.UserID)
		case models.MemberRoleEventOrganizer:
			m.EventOrganizers = append(m.EventOrganizers, row.UserID)
		}
	}
	return m, nil
}

// ListGroupIDsForUser returns every group the user administers or belongs to.
func (r *GroupRepo) ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM groups WHERE admin_id=$1
        UNION
        SELECT group_id FROM group_members WHERE user_id=$1
        ORDER BY 1`, userID)
	return ids, err
}
