package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-realtime/internal/auth"
	"collab-realtime/internal/models"
	"collab-realtime/internal/presence"
	"collab-realtime/internal/publisher"
	"collab-realtime/internal/redis"
	"collab-realtime/internal/subscriber"
	"collab-realtime/internal/ws"
)

const (
	testSecret   = "api-test-secret-0123456789abcdef"
	publishToken = "publish-me"
)

type env struct {
	server  *httptest.Server
	hub     *ws.Hub
	tracker *presence.Tracker
	redis   *miniredis.Miniredis
}

// newEnv runs the whole gateway against an in-memory Redis.
func newEnv(t *testing.T) *env {
	t.Helper()
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := redis.NewClient(ctx, "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tracker := presence.NewTracker(30*time.Second, nil)
	hub := ws.NewHub(tracker, ws.DefaultOptions())
	tracker.SetNotifier(hub)
	go hub.Run(ctx)
	go client.Listen(ctx, hub.Broadcast)
	require.Eventually(t, func() bool { return s.PubSubNumPat() > 0 }, 2*time.Second, 5*time.Millisecond)

	srv := NewServer(Deps{
		Hub:               hub,
		Presence:          tracker,
		Publisher:         publisher.New(client),
		Verifier:          auth.NewHMACVerifier(testSecret, ""),
		Transport:         client,
		PublishToken:      publishToken,
		HeartbeatInterval: 15 * time.Second,
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	return &env{server: server, hub: hub, tracker: tracker, redis: s}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.Claims{Name: strings.ToUpper(userID)}
	claims.Subject = userID
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *env) postEvent(t *testing.T, tok string, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/events", strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("X-Publish-Token", tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.redis.SetError("LOADING Redis is loading the dataset in memory")
	resp, err = http.Get(e.server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "realtime_clients_connected")
}

func TestPublishEventRejects(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
	}{
		{"no token", "", `{}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong token", "nope", `{}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad json", publishToken, `{`, http.StatusBadRequest, "INVALID_BODY"},
		{"bad channel", publishToken, `{"channel":"p1","type":"project:updated","payload":{"id":"p1"}}`, http.StatusBadRequest, "INVALID_CHANNEL"},
		{"presence kind", publishToken, `{"channel":"card:c1","type":"presence:join","payload":{"userId":"u"}}`, http.StatusBadRequest, "UNKNOWN_KIND"},
		{"unknown kind", publishToken, `{"channel":"card:c1","type":"typing:start","payload":{}}`, http.StatusBadRequest, "UNKNOWN_KIND"},
		{"missing id", publishToken, `{"channel":"project:p1","type":"project:updated","payload":{"name":"x"}}`, http.StatusBadRequest, "MALFORMED_PAYLOAD"},
		{"no payload", publishToken, `{"channel":"project:p1","type":"project:updated"}`, http.StatusBadRequest, "MALFORMED_PAYLOAD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.postEvent(t, tc.token, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestPublishEventDisabledWithoutToken(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/events", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, models.Channel, models.Kind, any) { f.calls++ }

type downTransport struct{}

func (downTransport) Ping(context.Context) error { return errors.New("down") }

func TestPublishEventIsBestEffort(t *testing.T) {
	pub := &failingPublisher{}
	srv := httptest.NewServer(NewServer(Deps{
		Publisher:    pub,
		Transport:    downTransport{},
		PublishToken: publishToken,
	}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/events",
		strings.NewReader(`{"channel":"project:p1","type":"project:archived","payload":{"id":"p1","archivedAt":"2026-01-01T00:00:00Z"}}`))
	require.NoError(t, err)
	req.Header.Set("X-Publish-Token", publishToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, pub.calls)
}

func TestRenameReachesEverySubscriber(t *testing.T) {
	e := newEnv(t)
	ch := models.ProjectChannel("p1")
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"

	cached := models.Project{ID: "p1", Name: "Original", Description: "unchanged", Tags: []string{"x"}}
	var subs []*subscriber.Subscriber
	for _, user := range []string{"alice", "bob"} {
		conn, err := subscriber.Dial(context.Background(), wsURL, ch, token(t, user))
		require.NoError(t, err)
		project := cached
		sub := subscriber.New(models.Identity{UserID: user}, ch, conn, time.Hour,
			subscriber.WithState(subscriber.State{Project: &project}))
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go sub.Run(ctx)
		subs = append(subs, sub)
	}
	require.Eventually(t, func() bool { return e.hub.ChannelClients(ch.String()) == 2 }, 2*time.Second, 5*time.Millisecond)

	status, _ := e.postEvent(t, publishToken, `{"channel":"project:p1","type":"project:updated","payload":{"id":"p1","name":"Renamed"}}`)
	require.Equal(t, http.StatusAccepted, status)

	want := cached
	want.Name = "Renamed"
	for _, sub := range subs {
		require.Eventually(t, func() bool {
			return sub.State().Project.Name == "Renamed"
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, want, *sub.State().Project)
	}
}

// Activities from the CRUD app carry a Date.now() number as their id.
func TestPublishActivityWithNumericID(t *testing.T) {
	e := newEnv(t)
	ch := models.ProjectChannel("p1")
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"

	conn, err := subscriber.Dial(context.Background(), wsURL, ch, token(t, "alice"))
	require.NoError(t, err)
	sub := subscriber.New(models.Identity{UserID: "alice"}, ch, conn, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sub.Run(ctx)
	require.Eventually(t, func() bool { return e.hub.ChannelClients(ch.String()) == 1 }, 2*time.Second, 5*time.Millisecond)

	status, body := e.postEvent(t, publishToken, `{"channel":"project:p1","type":"activity:created","payload":{"id":1712345678901,"type":"PROJECT_CREATED","description":"created project \"Atlas\"","user":{"id":"u1","name":"Alice","image":null},"createdAt":"2026-03-01T12:00:00.000Z","projectId":"p1","metadata":{"projectName":"Atlas","projectSlug":"atlas"}}}`)
	require.Equal(t, http.StatusAccepted, status, body)

	require.Eventually(t, func() bool { return len(sub.State().Activities) == 1 }, 2*time.Second, 10*time.Millisecond)
	act := sub.State().Activities[0]
	assert.Equal(t, models.ActivityID("1712345678901"), act.ID)
	assert.Equal(t, "PROJECT_CREATED", act.Type)
	assert.Equal(t, "atlas", act.Metadata["projectSlug"])
}

func TestPresenceEndpoint(t *testing.T) {
	e := newEnv(t)
	e.tracker.Enter("card:c1", models.Identity{UserID: "alice", DisplayName: "Alice"})

	resp, err := http.Get(e.server.URL + "/channels/card:c1/presence")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/channels/card:c1/presence", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "bob"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Channel             string                 `json:"channel"`
		Editors             []models.PresenceEntry `json:"editors"`
		HeartbeatIntervalMs int64                  `json:"heartbeatIntervalMs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "card:c1", body.Channel)
	require.Len(t, body.Editors, 1)
	assert.Equal(t, "Alice", body.Editors[0].DisplayName)
	assert.Equal(t, int64(15000), body.HeartbeatIntervalMs)

	req, err = http.NewRequest(http.MethodGet, e.server.URL+"/channels/bogus/presence", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "bob"))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
