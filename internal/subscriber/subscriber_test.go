package subscriber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-realtime/internal/auth"
	"collab-realtime/internal/models"
	"collab-realtime/internal/presence"
	"collab-realtime/internal/ws"
)

var errClosed = errors.New("connection closed")

type fakeConn struct {
	in     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg models.ClientMessage) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg.Type)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, errClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, s := range c.Sent() {
		if s == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) push(t *testing.T, ch models.Channel, kind models.Kind, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(ch, kind, payload, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- data
}

func start(t *testing.T, sub *Subscriber) (cancel context.CancelFunc, result <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

var me = models.Identity{UserID: "me", DisplayName: "Me"}

func TestRunEntersAndLeavesOnCancel(t *testing.T) {
	conn := newFakeConn()
	sub := New(me, models.CardChannel("c1"), conn, time.Hour)
	cancel, done := start(t, sub)

	require.Eventually(t, func() bool { return conn.count(models.CommandEnter) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))

	assert.Equal(t, []string{models.CommandEnter, models.CommandLeave}, conn.Sent())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestRunLeavesWhenConnectionDrops(t *testing.T) {
	conn := newFakeConn()
	sub := New(me, models.CardChannel("c1"), conn, time.Hour)
	_, done := start(t, sub)

	require.Eventually(t, func() bool { return conn.count(models.CommandEnter) == 1 }, time.Second, 5*time.Millisecond)
	conn.fail <- errors.New("reset by peer")

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset by peer")
	assert.Equal(t, 1, conn.count(models.CommandLeave))
}

func TestHeartbeatStopsWithRun(t *testing.T) {
	conn := newFakeConn()
	sub := New(me, models.CardChannel("c1"), conn, 10*time.Millisecond)
	cancel, done := start(t, sub)

	require.Eventually(t, func() bool {
		return conn.count(models.CommandHeartbeat) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))

	sent := conn.Sent()
	assert.Equal(t, models.CommandLeave, sent[len(sent)-1])
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, conn.Sent(), "nothing sent after Run returned")
}

func TestRunReducesEventsAndFiltersSelf(t *testing.T) {
	conn := newFakeConn()
	ch := models.ProjectChannel("p1")
	changes := make(chan State, 16)
	sub := New(me, ch, conn, time.Hour,
		WithState(State{Project: &models.Project{ID: "p1", Name: "Before", Description: "d"}}),
		OnChange(func(s State) { changes <- s }))
	_, _ = start(t, sub)

	conn.in <- []byte(`{"type":"project:updated","channel":"project:p1","payload":"oops"}`)
	conn.in <- []byte(`garbage`)
	conn.push(t, models.ProjectChannel("p2"), models.KindProjectUpdated, map[string]string{"id": "p1", "name": "Wrong"})
	conn.push(t, ch, models.Kind("typing:start"), map[string]string{"id": "x"})
	conn.push(t, ch, models.KindProjectUpdated, map[string]string{"id": "p1", "name": "Renamed"})
	conn.push(t, ch, models.KindPresenceRoster, models.PresenceRoster{Editors: []models.PresenceEntry{
		{UserID: "me", DisplayName: "Me"},
		{UserID: "bob", DisplayName: "Bob"},
	}})

	first := <-changes
	assert.Equal(t, "Renamed", first.Project.Name)
	assert.Equal(t, "d", first.Project.Description)

	second := <-changes
	assert.Len(t, second.Editors, 2)
	assert.Equal(t, []string{"bob"}, ids(sub.OtherEditors()))
}

// gateway runs the real hub, tracker and WebSocket endpoint.
func gateway(t *testing.T) (url string, hub *ws.Hub) {
	t.Helper()
	tracker := presence.NewTracker(30*time.Second, nil)
	hub = ws.NewHub(tracker, ws.DefaultOptions())
	tracker.SetNotifier(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	verifier := auth.NewHMACVerifier("subscriber-test-secret-0123456789", "")
	upgrader := ws.NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, verifier, upgrader, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub
}

func signed(t *testing.T, id models.Identity) string {
	t.Helper()
	claims := auth.Claims{Name: id.DisplayName}
	claims.Subject = id.UserID
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("subscriber-test-secret-0123456789"))
	require.NoError(t, err)
	return tok
}

func TestSubscribersOverGateway(t *testing.T) {
	url, hub := gateway(t)
	ch := models.CardChannel("c1")
	alice := models.Identity{UserID: "alice", DisplayName: "Alice"}
	bob := models.Identity{UserID: "bob", DisplayName: "Bob"}

	ctx := context.Background()
	aliceConn, err := Dial(ctx, url, ch, signed(t, alice))
	require.NoError(t, err)
	bobConn, err := Dial(ctx, url, ch, signed(t, bob))
	require.NoError(t, err)

	aliceSub := New(alice, ch, aliceConn, time.Hour)
	bobSub := New(bob, ch, bobConn, time.Hour)
	stopAlice, aliceDone := start(t, aliceSub)
	_, _ = start(t, bobSub)

	require.Eventually(t, func() bool {
		return len(bobSub.OtherEditors()) == 1 && len(aliceSub.OtherEditors()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", bobSub.OtherEditors()[0].UserID)
	assert.Equal(t, "bob", aliceSub.OtherEditors()[0].UserID)
	assert.Len(t, aliceSub.State().Editors, 2)

	// Events published to the channel reach both subscribers.
	env, err := models.NewEnvelope(ch, models.KindCommentCreated,
		models.CommentCreated{Comment: models.Comment{ID: "m1", CardID: "c1", Content: "hello"}}, time.Now())
	require.NoError(t, err)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	hub.Broadcast <- &models.BroadcastMessage{Channel: ch.String(), Payload: payload}
	require.Eventually(t, func() bool {
		return len(bobSub.State().Comments) == 1 && len(aliceSub.State().Comments) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Unmounting Alice removes her from Bob's view.
	stopAlice()
	require.NoError(t, wait(t, aliceDone))
	require.Eventually(t, func() bool {
		return len(bobSub.OtherEditors()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialRejectsBadToken(t *testing.T) {
	url, _ := gateway(t)
	_, err := Dial(context.Background(), url, models.CardChannel("c1"), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
