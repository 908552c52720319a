package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-chat/internal/apperrors"
	"group-chat/internal/models"
)

func insert(t *testing.T, repo *MemoryMessageRepo, groupID int, at time.Time) MessageRecord {
	t.Helper()
	rec, err := repo.Insert(context.Background(), MessageRecord{GroupID: groupID, SenderID: 1, Content: "x", MessageType: "text", CreatedAt: at})
	require.NoError(t, err)
	return rec
}

func TestMemoryListOrdersNewestFirstWithIDTieBreak(t *testing.T) {
	repo := NewMemoryMessageRepo()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := insert(t, repo, 1, base)
	b := insert(t, repo, 1, base)
	c := insert(t, repo, 1, base.Add(time.Second))
	insert(t, repo, 2, base.Add(time.Hour))

	recs, err := repo.ListByGroup(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []int{c.ID, b.ID, a.ID}, ids(recs))

	recs, err = repo.ListByGroup(context.Background(), 1, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int{a.ID}, ids(recs))

	recs, err = repo.ListByGroup(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryListByGroups(t *testing.T) {
	repo := NewMemoryMessageRepo()
	base := time.Now()
	insert(t, repo, 1, base)
	two := insert(t, repo, 2, base.Add(time.Minute))
	insert(t, repo, 3, base.Add(time.Hour))

	recs, err := repo.ListByGroups(context.Background(), []int{1, 2}, 1)
	require.NoError(t, err)
	require.Equal(t, []int{two.ID}, ids(recs))

	recs, err = repo.ListByGroups(context.Background(), nil, 5)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	repo := NewMemoryMessageRepo()
	rec := insert(t, repo, 1, time.Now())
	later := rec.CreatedAt.Add(time.Minute)

	updated, err := repo.UpdateContent(context.Background(), rec.ID, "y", later)
	require.NoError(t, err)
	require.Equal(t, "y", updated.Content)
	require.True(t, updated.IsEdited)
	require.True(t, updated.UpdatedAt.Equal(later))

	require.NoError(t, repo.Delete(context.Background(), rec.ID))
	_, err = repo.Get(context.Background(), rec.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	require.ErrorIs(t, repo.Delete(context.Background(), rec.ID), ErrMessageNotFound)
	_, err = repo.UpdateContent(context.Background(), rec.ID, "z", later)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMemoryReadReceiptsAtMostOncePerUser(t *testing.T) {
	repo := NewMemoryMessageRepo()
	rec := insert(t, repo, 1, time.Now())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.AddReadReceipt(context.Background(), rec.ID, 7, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, inserted)

	_, err := repo.AddReadReceipt(context.Background(), rec.ID, 8, time.Now())
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, got.ReadBy, 2)
	require.Equal(t, 7, got.ReadBy[0].UserID)

	_, err = repo.AddReadReceipt(context.Background(), 999, 7, time.Now())
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMemoryGroupRepo(t *testing.T) {
	repo := NewMemoryGroupRepo()
	admin := 1
	repo.Put(models.Membership{GroupID: 3, Admin: &admin, Students: []int{2}})
	repo.Put(models.Membership{GroupID: 4, EventOrganizers: []int{2}})

	m, err := repo.GetMembership(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []int{2}, m.Students)

	_, err = repo.GetMembership(context.Background(), 5)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	groups, err := repo.ListGroupIDsForUser(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, groups)

	groups, err = repo.ListGroupIDsForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []int{3}, groups)
}

func TestMemoryRespectsCancelledContext(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Insert(ctx, MessageRecord{GroupID: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func ids(recs []MessageRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
