package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"group-chat/internal/models"
)

// MemoryMessageRepo keeps messages in process. Receipt inserts are serialized
// per message, everything else through the map lock.
type MemoryMessageRepo struct {
	mu       sync.RWMutex
	nextID   int
	messages map[int]*memoryMessage
}

type memoryMessage struct {
	mu       sync.Mutex
	rec      MessageRecord
	receipts map[int]time.Time
}

// NewMemoryMessageRepo returns an empty in-memory repository.
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{nextID: 1, messages: make(map[int]*memoryMessage)}
}

func (r *MemoryMessageRepo) Insert(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return MessageRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.ID = r.nextID
	r.nextID++
	rec.IsEdited = false
	rec.UpdatedAt = rec.CreatedAt
	r.messages[rec.ID] = &memoryMessage{rec: rec, receipts: map[int]time.Time{}}
	return snapshot(r.messages[rec.ID]), nil
}

func (r *MemoryMessageRepo) Get(ctx context.Context, id int) (MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return MessageRecord{}, err
	}
	r.mu.RLock()
	msg, ok := r.messages[id]
	r.mu.RUnlock()
	if !ok {
		return MessageRecord{}, ErrMessageNotFound
	}
	return snapshot(msg), nil
}

func (r *MemoryMessageRepo) ListByGroup(ctx context.Context, groupID, limit, offset int) ([]MessageRecord, error) {
	return r.list(ctx, map[int]struct{}{groupID: {}}, limit, offset)
}

func (r *MemoryMessageRepo) ListByGroups(ctx context.Context, groupIDs []int, limit int) ([]MessageRecord, error) {
	set := make(map[int]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		set[id] = struct{}{}
	}
	return r.list(ctx, set, limit, 0)
}

func (r *MemoryMessageRepo) list(ctx context.Context, groups map[int]struct{}, limit, offset int) ([]MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	matched := make([]*memoryMessage, 0)
	for _, msg := range r.messages {
		if _, ok := groups[msg.rec.GroupID]; ok {
			matched = append(matched, msg)
		}
	}
	r.mu.RUnlock()

	recs := make([]MessageRecord, 0, len(matched))
	for _, msg := range matched {
		recs = append(recs, snapshot(msg))
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	if offset >= len(recs) {
		return []MessageRecord{}, nil
	}
	recs = recs[offset:]
	if limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

func (r *MemoryMessageRepo) UpdateContent(ctx context.Context, id int, content string, updatedAt time.Time) (MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return MessageRecord{}, err
	}
	r.mu.RLock()
	msg, ok := r.messages[id]
	r.mu.RUnlock()
	if !ok {
		return MessageRecord{}, ErrMessageNotFound
	}

	msg.mu.Lock()
	msg.rec.Content = content
	msg.rec.IsEdited = true
	msg.rec.UpdatedAt = updatedAt
	msg.mu.Unlock()
	return snapshot(msg), nil
}

func (r *MemoryMessageRepo) Delete(ctx context.Context, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[id]; !ok {
		return ErrMessageNotFound
	}
	delete(r.messages, id)
	return nil
}

func (r *MemoryMessageRepo) AddReadReceipt(ctx context.Context, id, userID int, readAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	msg, ok := r.messages[id]
	r.mu.RUnlock()
	if !ok {
		return false, ErrMessageNotFound
	}

	msg.mu.Lock()
	defer msg.mu.Unlock()
	if _, exists := msg.receipts[userID]; exists {
		return false, nil
	}
	msg.receipts[userID] = readAt
	return true, nil
}

func snapshot(msg *memoryMessage) MessageRecord {
	msg.mu.Lock()
	defer msg.mu.Unlock()

	rec := msg.rec
	rec.ReadBy = make([]models.ReadReceipt, 0, len(msg.receipts))
	for userID, at := range msg.receipts {
		rec.ReadBy = append(rec.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: at})
	}
	sort.Slice(rec.ReadBy, func(i, j int) bool {
		if rec.ReadBy[i].ReadAt.Equal(rec.ReadBy[j].ReadAt) {
			return rec.ReadBy[i].UserID < rec.ReadBy[j].UserID
		}
		return rec.ReadBy[i].ReadAt.Before(rec.ReadBy[j].ReadAt)
	})
	return rec
}

// MemoryGroupRepo is a mutable stand-in for the group directory.
type MemoryGroupRepo struct {
	mu     sync.RWMutex
	groups map[int]models.Membership
}

// NewMemoryGroupRepo returns an empty directory.
func NewMemoryGroupRepo() *MemoryGroupRepo {
	return &MemoryGroupRepo{groups: make(map[int]models.Membership)}
}

// Put replaces the membership of a group.
func (r *MemoryGroupRepo) Put(m models.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[m.GroupID] = m
}

func (r *MemoryGroupRepo) GetMembership(ctx context.Context, groupID int) (models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return models.Membership{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.groups[groupID]
	if !ok {
		return models.Membership{}, ErrGroupNotFound
	}
	return m, nil
}

func (r *MemoryGroupRepo) ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0)
	for id, m := range r.groups {
		for _, member := range m.MemberIDs() {
			if member == userID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Ints(ids)
	return ids, nil
}

var _ MessageRepository = (*MessageRepo)(nil)
var _ MessageRepository = (*MemoryMessageRepo)(nil)
var _ GroupRepository = (*GroupRepo)(nil)
var _ GroupRepository = (*MemoryGroupRepo)(nil)
