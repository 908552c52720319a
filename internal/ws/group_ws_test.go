package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"group-chat/internal/auth"
	"group-chat/internal/authz"
	"group-chat/internal/encryption"
	"group-chat/internal/mocks"
	"group-chat/internal/models"
	"group-chat/internal/repositories"
	"group-chat/internal/store"
)

const testSecret = "ws-test-secret"

type socketFixture struct {
	server   *httptest.Server
	repo     *repositories.MemoryMessageRepo
	hub      *Hub
	verifier *auth.JWTVerifier
	notified chan models.Message
}

type recordingNotifier struct {
	ch chan models.Message
}

func (n recordingNotifier) MessageSent(msg models.Message) {
	n.ch <- msg
}

func newSocketFixture(t *testing.T, authTimeout time.Duration) *socketFixture {
	t.Helper()
	repo := repositories.NewMemoryMessageRepo()
	f := newSocketFixtureWithRepo(t, authTimeout, repo)
	f.repo = repo
	return f
}

// newSocketFixtureWithRepo serves the socket on top of repo. f.repo stays nil.
func newSocketFixtureWithRepo(t *testing.T, authTimeout time.Duration, repo repositories.MessageRepository) *socketFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	admin := 1
	groups := repositories.NewMemoryGroupRepo()
	groups.Put(models.Membership{GroupID: 10, Admin: &admin, Students: []int{2, 3}, Instructors: []int{4}})

	codec, err := encryption.NewCodec("ws-test-key", true)
	require.NoError(t, err)

	f := &socketFixture{
		hub:      NewHub(nil),
		verifier: auth.NewJWTVerifier(testSecret),
		notified: make(chan models.Message, 10),
	}
	messages := store.NewMessageStore(repo, groups, codec)
	handler := NewGroupWebSocketHandler(f.hub, messages, authz.NewGate(groups), f.verifier, recordingNotifier{ch: f.notified}, nil, authTimeout)

	router := gin.New()
	router.GET("/ws", handler.Handle)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *socketFixture) token(t *testing.T, userID int, name string) string {
	t.Helper()
	token, err := f.verifier.Issue(auth.Identity{UserID: userID, Name: name}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *socketFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect opens an authenticated socket and joins group 10.
func (f *socketFixture) connect(t *testing.T, userID int, name string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, "?token="+f.token(t, userID, name))
	expect(t, conn, models.EventAuthenticated)
	send(t, conn, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	expect(t, conn, models.EventJoinedGroup)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Frame{Event: event, Data: data}))
}

func read(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame models.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expect skips presence noise until event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) models.Frame {
	t.Helper()
	for {
		frame := read(t, conn)
		if frame.Event == event {
			return frame
		}
		if frame.Event != models.EventUserJoined && frame.Event != models.EventUserLeft {
			t.Fatalf("expected %s, got %s: %s", event, frame.Event, frame.Data)
		}
	}
}

func waitForMembers(t *testing.T, hub *Hub, groupID, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Members(groupID) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestMemberMessageReachesRoomInPlaintext(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	c := f.connect(t, 4, "cleo")

	d := f.dial(t, "?token="+f.token(t, 99, "dan"))
	expect(t, d, models.EventAuthenticated)
	send(t, d, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	var rejected models.ErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, d, models.EventError).Data, &rejected))
	require.Equal(t, "AuthorizationError", rejected.Kind)
	waitForMembers(t, f.hub, 10, 3)

	send(t, a, models.EventSendMessage, models.SendMessageRequest{GroupID: 10, Content: "hello"})

	for _, conn := range []*websocket.Conn{a, b, c} {
		var msg models.Message
		require.NoError(t, json.Unmarshal(expect(t, conn, models.EventNewMessage).Data, &msg))
		require.Equal(t, "hello", msg.Content)
		require.Equal(t, 2, msg.SenderID)
	}

	select {
	case msg := <-f.notified:
		require.Equal(t, "hello", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier not called")
	}

	stored, err := f.repo.ListByGroup(context.Background(), 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, encryption.LooksEncrypted(stored[0].Content))

	require.NoError(t, d.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = d.ReadMessage()
	require.Error(t, err)
}

func TestEmptyMessageIsRejectedWithoutBroadcast(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	waitForMembers(t, f.hub, 10, 2)

	send(t, a, models.EventSendMessage, models.SendMessageRequest{GroupID: 10, Content: ""})

	var failure models.MessageErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, a, models.EventMessageError).Data, &failure))
	require.Equal(t, "ValidationError", failure.Kind)

	var original models.SendMessageRequest
	require.NoError(t, json.Unmarshal(failure.OriginalMessage, &original))
	require.Equal(t, 10, original.GroupID)

	stored, err := f.repo.ListByGroup(context.Background(), 10, 10, 0)
	require.NoError(t, err)
	require.Empty(t, stored)

	// b sees the typing relay next, never a newMessage
	send(t, a, models.EventTyping, models.TypingRequest{GroupID: 10, IsTyping: true})
	expect(t, b, models.EventTypingStatus)
}

func TestFailedPersistIsNeverBroadcast(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	f := newSocketFixtureWithRepo(t, time.Second, repo)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	waitForMembers(t, f.hub, 10, 2)

	send(t, a, models.EventSendMessage, models.SendMessageRequest{GroupID: 10, Content: "lost"})

	var failure models.MessageErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, a, models.EventMessageError).Data, &failure))
	require.Equal(t, "PersistenceError", failure.Kind)
	require.Equal(t, "internal error", failure.Error)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var frame models.Frame
		if err := b.ReadJSON(&frame); err != nil {
			break
		}
		require.NotEqual(t, models.EventNewMessage, frame.Event)
	}

	select {
	case msg := <-f.notified:
		t.Fatalf("notifier called for unsaved message %+v", msg)
	default:
	}
	repo.AssertExpectations(t)
}

func TestRejoinDoesNotRepeatPresence(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	waitForMembers(t, f.hub, 10, 2)

	send(t, b, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	expect(t, b, models.EventJoinedGroup)
	waitForMembers(t, f.hub, 10, 2)

	// frames reach a in dispatch order, so every userJoined precedes the typing relay
	send(t, b, models.EventTyping, models.TypingRequest{GroupID: 10, IsTyping: true})
	joins := 0
	for {
		frame := read(t, a)
		if frame.Event == models.EventTypingStatus {
			break
		}
		require.Equal(t, models.EventUserJoined, frame.Event)
		joins++
	}
	require.Equal(t, 1, joins)
}

func TestPrivilegedEventsRequireAuthentication(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	conn := f.dial(t, "")

	send(t, conn, models.EventSendMessage, models.SendMessageRequest{GroupID: 10, Content: "hi"})
	var failure models.MessageErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, conn, models.EventMessageError).Data, &failure))
	require.Equal(t, "AuthenticationError", failure.Kind)

	send(t, conn, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	var rejected models.ErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, conn, models.EventError).Data, &rejected))
	require.Equal(t, "AuthenticationError", rejected.Kind)

	send(t, conn, models.EventAuthenticate, models.AuthenticateRequest{Token: f.token(t, 2, "ana")})
	var authed models.AuthenticatedEvent
	require.NoError(t, json.Unmarshal(expect(t, conn, models.EventAuthenticated).Data, &authed))
	require.Equal(t, 2, authed.UserID)

	send(t, conn, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	var joined models.JoinedGroupEvent
	require.NoError(t, json.Unmarshal(expect(t, conn, models.EventJoinedGroup).Data, &joined))
	require.Equal(t, string(authz.RoleStudent), joined.Role)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=garbage"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousConnectionTimesOut(t *testing.T) {
	f := newSocketFixture(t, 100*time.Millisecond)
	conn := f.dial(t, "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, closeAuthTimeout), "got %v", err)
}

func TestLeaveAndDisconnectNotifyRoom(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	waitForMembers(t, f.hub, 10, 2)

	send(t, b, models.EventLeaveGroup, models.GroupRequest{GroupID: 10})
	expect(t, b, models.EventLeftGroup)
	var left models.PresenceEvent
	require.NoError(t, json.Unmarshal(expect(t, a, models.EventUserLeft).Data, &left))
	require.Equal(t, 3, left.UserID)

	send(t, b, models.EventJoinGroup, models.GroupRequest{GroupID: 10})
	expect(t, b, models.EventJoinedGroup)
	waitForMembers(t, f.hub, 10, 2)

	require.NoError(t, b.Close())
	waitForMembers(t, f.hub, 10, 1)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return f.hub.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageReadBroadcastsReceiptOnce(t *testing.T) {
	f := newSocketFixture(t, time.Second)
	a := f.connect(t, 2, "ana")
	b := f.connect(t, 3, "ben")
	waitForMembers(t, f.hub, 10, 2)

	send(t, a, models.EventSendMessage, models.SendMessageRequest{GroupID: 10, Content: "read me"})
	var msg models.Message
	require.NoError(t, json.Unmarshal(expect(t, b, models.EventNewMessage).Data, &msg))
	expect(t, a, models.EventNewMessage)

	for i := 0; i < 2; i++ {
		send(t, b, models.EventMessageRead, models.MessageReadRequest{MessageID: msg.ID, GroupID: 10})
		var receipt models.ReadReceiptEvent
		require.NoError(t, json.Unmarshal(expect(t, a, models.EventMessageReadReceipt).Data, &receipt))
		require.Equal(t, 3, receipt.UserID)
		expect(t, b, models.EventMessageReadReceipt)
	}

	rec, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Len(t, rec.ReadBy, 1)

	send(t, b, models.EventMessageRead, models.MessageReadRequest{MessageID: msg.ID, GroupID: 10, UserID: 2})
	var rejected models.ErrorEvent
	require.NoError(t, json.Unmarshal(expect(t, b, models.EventError).Data, &rejected))
	require.Equal(t, "AuthorizationError", rejected.Kind)
}
