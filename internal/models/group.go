package models

import "time"

// Group is the directory record of a chat group.
type Group struct {
	ID        int       `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	AdminID   *int      `db:"admin_id" json:"admin_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Membership lists who belongs to a group, split by relation.
type Membership struct {
	GroupID         int   `json:"group_id"`
	Admin           *int  `json:"admin,omitempty"`
	Instructors     []int `json:"instructors"`
	Students        []int `json:"students"`
	EventOrganizers []int `json:"event_organizers"`
}

// MemberRole values stored in group_members.role.
const (
	MemberRoleInstructor     = "instructor"
	MemberRoleStudent        = "student"
	MemberRoleEventOrganizer = "event_organizer"
)

// MemberIDs returns every member id once, admin included.
func (m Membership) MemberIDs() []int {
	seen := map[int]struct{}{}
	ids := make([]int, 0, len(m.Instructors)+len(m.Students)+len(m.EventOrganizers)+1)
	add := func(id int) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if m.Admin != nil {
		add(*m.Admin)
	}
	for _, group := range [][]int{m.Instructors, m.Students, m.EventOrganizers} {
		for _, id := range group {
			add(id)
		}
	}
	return ids
}
