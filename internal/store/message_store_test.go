package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"group-chat/internal/apperrors"
	"group-chat/internal/encryption"
	"group-chat/internal/mocks"
	"group-chat/internal/models"
	"group-chat/internal/repositories"
)

type fixture struct {
	store  *MessageStore
	repo   *repositories.MemoryMessageRepo
	groups *repositories.MemoryGroupRepo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	codec, err := encryption.NewCodec("store-test-key", true)
	require.NoError(t, err)

	repo := repositories.NewMemoryMessageRepo()
	groups := repositories.NewMemoryGroupRepo()
	admin := 1
	groups.Put(models.Membership{GroupID: 10, Admin: &admin, Students: []int{2, 3}})
	groups.Put(models.Membership{GroupID: 11, Instructors: []int{2}})
	groups.Put(models.Membership{GroupID: 12, Students: []int{9}})

	// strictly increasing timestamps keep ordering deterministic
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	return fixture{
		store:  NewMessageStore(repo, groups, codec, WithClock(clock)),
		repo:   repo,
		groups: groups,
	}
}

func (f fixture) send(t *testing.T, groupID int, content string) models.Message {
	t.Helper()
	msg, err := f.store.Create(context.Background(), CreateParams{GroupID: groupID, SenderID: 2, SenderName: "bob", Content: content})
	require.NoError(t, err)
	return msg
}

func TestCreateEncryptsAtRestAndReturnsPlaintext(t *testing.T) {
	f := newFixture(t)

	msg := f.send(t, 10, "hello")
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, models.MessageText, msg.MessageType)
	require.Equal(t, "bob", msg.SenderName)
	require.False(t, msg.IsEdited)
	require.Empty(t, msg.ReadBy)

	rec, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotEqual(t, "hello", rec.Content)
	require.True(t, encryption.LooksEncrypted(rec.Content))
}

func TestCreateRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Create(context.Background(), CreateParams{GroupID: 10, SenderID: 2, Content: "  "})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	msgs, err := f.store.GetByGroup(context.Background(), 10, 50, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCreateKeepsContentVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := "  code:\n    indented\n"

	msg, err := f.store.Create(ctx, CreateParams{GroupID: 10, SenderID: 2, Content: content})
	require.NoError(t, err)
	require.Equal(t, content, msg.Content)

	loaded, err := f.store.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, content, loaded.Content)

	edited, err := f.store.Update(ctx, msg.ID, "\tfixed\n")
	require.NoError(t, err)
	require.Equal(t, "\tfixed\n", edited.Content)
}

func TestCreateAcceptsMediaWithoutContent(t *testing.T) {
	f := newFixture(t)

	msg, err := f.store.Create(context.Background(), CreateParams{
		GroupID:     10,
		SenderID:    2,
		MessageType: models.MessageImage,
		Media:       &models.Media{URL: "https://cdn/x.png", Filename: "x.png", MimeType: "image/png", Size: 42},
	})
	require.NoError(t, err)
	require.Empty(t, msg.Content)
	require.NotNil(t, msg.Media)
	require.Equal(t, int64(42), msg.Media.Size)
}

func TestCreateValidatesTypeAndLength(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, CreateParams{GroupID: 10, SenderID: 2, Content: "x", MessageType: "sticker"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.store.Create(ctx, CreateParams{GroupID: 10, SenderID: 2, Content: strings.Repeat("x", DefaultMaxMsgLength+1)})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGetByGroupPaginationPartitionsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const total, limit = 23, 5
	for i := 0; i < total; i++ {
		f.send(t, 10, "m")
	}
	f.send(t, 11, "other group")

	var pages [][]models.Message
	for page := 1; page <= (total+limit-1)/limit; page++ {
		msgs, err := f.store.GetByGroup(ctx, 10, limit, (page-1)*limit)
		require.NoError(t, err)
		pages = append(pages, msgs)
	}

	// page 1 holds the newest window, delivered oldest first
	seen := map[int]bool{}
	var all []models.Message
	for i := len(pages) - 1; i >= 0; i-- {
		for j := 1; j < len(pages[i]); j++ {
			require.True(t, pages[i][j-1].CreatedAt.Before(pages[i][j].CreatedAt))
		}
		all = append(all, pages[i]...)
	}
	require.Len(t, all, total)
	for i, msg := range all {
		require.False(t, seen[msg.ID], "duplicate %d", msg.ID)
		seen[msg.ID] = true
		require.Equal(t, 10, msg.GroupID)
		if i > 0 {
			require.True(t, all[i-1].CreatedAt.Before(msg.CreatedAt))
		}
	}
	require.Len(t, pages[0], limit)
	require.Len(t, pages[len(pages)-1], total%limit)
}

func TestGetByGroupValidatesWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.GetByGroup(ctx, 10, 0, 0)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.store.GetByGroup(ctx, 10, MaxPageSize+1, 0)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.store.GetByGroup(ctx, 10, 10, -1)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGetByIDNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.GetByID(context.Background(), 999)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdateReencryptsAndFlagsEdited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "first")

	before, err := f.repo.Get(ctx, msg.ID)
	require.NoError(t, err)

	updated, err := f.store.Update(ctx, msg.ID, "second")
	require.NoError(t, err)
	require.Equal(t, "second", updated.Content)
	require.True(t, updated.IsEdited)
	require.True(t, updated.UpdatedAt.After(msg.UpdatedAt))

	after, err := f.repo.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotEqual(t, before.Content, after.Content)
	require.True(t, encryption.LooksEncrypted(after.Content))
}

func TestConcurrentUpdatesLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "original")

	var wg sync.WaitGroup
	for _, content := range []string{"edit from tab A", "edit from tab B"} {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			_, err := f.store.Update(ctx, msg.ID, content)
			assert.NoError(t, err)
		}(content)
	}
	wg.Wait()

	final, err := f.store.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, final.IsEdited)
	require.Contains(t, []string{"edit from tab A", "edit from tab B"}, final.Content)
}

func TestUpdateRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, 10, "x")

	_, err := f.store.Update(context.Background(), msg.ID, "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeleteIsHard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "bye")

	require.NoError(t, f.store.Delete(ctx, msg.ID))
	_, err := f.store.GetByID(ctx, msg.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	require.ErrorIs(t, f.store.Delete(ctx, msg.ID), apperrors.ErrNotFound)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "read me")

	already, err := f.store.MarkRead(ctx, msg.ID, 3)
	require.NoError(t, err)
	require.False(t, already)

	already, err = f.store.MarkRead(ctx, msg.ID, 3)
	require.NoError(t, err)
	require.True(t, already)

	got, err := f.store.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.ReadBy, 1)
	require.Equal(t, 3, got.ReadBy[0].UserID)
}

func TestMarkReadConcurrentCallersRecordOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "race")

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			already, err := f.store.MarkRead(ctx, msg.ID, 3)
			assert.NoError(t, err)
			results <- already
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for already := range results {
		if !already {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)

	got, err := f.store.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.ReadBy, 1)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.MarkRead(context.Background(), 404, 3)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetRecentForUserSpansGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.send(t, 10, "in 10")
	b := f.send(t, 11, "in 11")
	f.send(t, 12, "not mine")

	msgs, err := f.store.GetRecentForUser(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, b.ID, msgs[0].ID)
	require.Equal(t, a.ID, msgs[1].ID)
	require.Equal(t, "in 11", msgs[0].Content)
}

func TestReadSurfacesTamperedEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, 10, "pristine")

	rec, err := f.repo.Get(ctx, msg.ID)
	require.NoError(t, err)
	parts := strings.Split(rec.Content, ":")
	parts[2] = "00" + parts[2][2:]
	if parts[2] == strings.Split(rec.Content, ":")[2] {
		parts[2] = "ff" + parts[2][2:]
	}
	_, err = f.repo.UpdateContent(ctx, msg.ID, strings.Join(parts, ":"), time.Now())
	require.NoError(t, err)

	_, err = f.store.GetByID(ctx, msg.ID)
	require.ErrorIs(t, err, apperrors.ErrEncryption)
}

func TestReadPassesLegacyPlaintextRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.repo.Insert(ctx, repositories.MessageRecord{GroupID: 10, SenderID: 2, Content: "written before encryption", MessageType: "text", CreatedAt: time.Now()})
	require.NoError(t, err)

	msg, err := f.store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "written before encryption", msg.Content)
}

func TestRepositoryFailureIsPersistenceError(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil, errors.New("disk full")).Once()
	s := NewMessageStore(repo, repositories.NewMemoryGroupRepo(), encryption.Disabled())

	_, err := s.Create(context.Background(), CreateParams{GroupID: 1, SenderID: 1, Content: "x"})
	require.ErrorIs(t, err, apperrors.ErrPersistence)
	repo.AssertExpectations(t)
}

func TestDisabledCodecStoresPlaintext(t *testing.T) {
	repo := repositories.NewMemoryMessageRepo()
	s := NewMessageStore(repo, repositories.NewMemoryGroupRepo(), encryption.Disabled())

	msg, err := s.Create(context.Background(), CreateParams{GroupID: 1, SenderID: 1, Content: "visible"})
	require.NoError(t, err)
	rec, err := repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "visible", rec.Content)
}
