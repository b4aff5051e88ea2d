package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kehai/internal/catalog"
	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/rules"
	"github.com/ashita-ai/kehai/internal/server"
	"github.com/ashita-ai/kehai/internal/service/actions"
	"github.com/ashita-ai/kehai/internal/service/perception"
	"github.com/ashita-ai/kehai/internal/storage"
	"github.com/ashita-ai/kehai/internal/testutil"
)

var (
	testDB  *storage.DB
	testSrv *httptest.Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger, true)
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	cat, err := catalog.New(testDB, 0, logger)
	if err != nil {
		panic(err)
	}
	hub := perception.NewHub(testDB, 0, logger)
	broker := server.NewBroker(testDB, hub, logger)
	go broker.Start(ctx)

	// No direct publisher: alerts reach subscribers only through
	// LISTEN/NOTIFY, which is what a multi-replica deployment relies on.
	svc := actions.New(actions.Config{
		Catalog: cat, Proximity: testDB, Inventory: testDB, Profiles: testDB, Store: testDB,
		Roller: rules.NewSequenceRoller(10), Logger: logger,
	})
	srv := server.New(server.ServerConfig{
		Store:   testDB,
		Actions: svc,
		Hub:     hub,
		Broker:  broker,
		Logger:  logger,
		Version: "test",
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	hub.Close()
	cancel()
	cat.Close()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

type scene struct {
	campaign, session, actor, target, witness uuid.UUID
}

func newScene(t *testing.T) scene {
	t.Helper()
	ctx := context.Background()
	s := scene{campaign: uuid.New(), session: uuid.New(), actor: uuid.New(), target: uuid.New(), witness: uuid.New()}
	require.NoError(t, testDB.CreateSession(ctx, s.session, s.campaign, "tavern"))
	require.NoError(t, testDB.UpsertCharacter(ctx, model.CharacterProfile{ID: s.actor, Name: "rogue", Stats: model.Stats{"agility": 6, "charisma": 5}, Level: 3}))
	require.NoError(t, testDB.UpsertCharacter(ctx, model.CharacterProfile{ID: s.target, Name: "merchant", Stats: model.Stats{"wisdom": 2}, Level: 1}))
	require.NoError(t, testDB.UpsertCharacter(ctx, model.CharacterProfile{ID: s.witness, Name: "guard", Stats: model.Stats{"wisdom": 5}, Level: 2}))
	require.NoError(t, testDB.SetZone(ctx, s.session, s.actor, s.target, model.ZoneClose))
	require.NoError(t, testDB.SetZone(ctx, s.session, s.actor, s.witness, model.ZoneMid))
	return s
}

func post(t *testing.T, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, testSrv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return send(t, req)
}

func get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+path, nil)
	require.NoError(t, err)
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func data(t *testing.T, body []byte, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	require.NoError(t, json.Unmarshal(env.Data, target), string(body))
}

func (s scene) whisper() model.ExecuteActionRequest {
	return model.ExecuteActionRequest{
		ActorRequest: model.ActorRequest{CampaignID: s.campaign, ActorID: s.actor, TargetID: s.target, Turn: 1},
		ActionID:     "whisper",
	}
}

func TestHealthReportsBroker(t *testing.T) {
	require.Eventually(t, func() bool {
		resp, body := get(t, "/health")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var h model.HealthResponse
		data(t, body, &h)
		return h.Broker == "running"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestExecuteDetectedActionEndToEnd(t *testing.T) {
	s := newScene(t)

	// The witness watches their feed over SSE before the action happens.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		testSrv.URL+"/v1/sessions/"+s.session.String()+"/observers/"+s.witness.String()+"/perception/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	reader := bufio.NewReader(stream.Body)
	name, _ := nextSSE(t, reader)
	require.Equal(t, "snapshot", name)

	resp, body := post(t, "/v1/sessions/"+s.session.String()+"/actions/execute", s.whisper())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res actions.ExecutionResult
	data(t, body, &res)
	assert.True(t, res.StatCheck.Success, "tie goes to the attacker")
	assert.True(t, res.WasDetected)
	assert.Equal(t, []uuid.UUID{s.witness}, res.Witnesses)
	require.Len(t, res.DetectionEvents, 2)
	assert.True(t, res.DetectionEvents[0].IsTarget)
	assert.Equal(t, s.witness, res.DetectionEvents[1].ObserverID)

	// The alert arrives through NOTIFY and the broker.
	name, payload := nextSSE(t, reader)
	require.Equal(t, "alert", name)
	var alert perception.Alert
	require.NoError(t, json.Unmarshal(payload, &alert))
	assert.Equal(t, s.actor, alert.Event.TargetID)
	assert.Equal(t, res.DetectionEvents[1].EventID, alert.Event.ID)
	assert.Equal(t, 1, alert.Unread)

	feedPath := "/v1/sessions/" + s.session.String() + "/observers/" + s.witness.String() + "/perception"
	resp, body = get(t, feedPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var feed model.PerceptionFeedResponse
	data(t, body, &feed)
	require.Len(t, feed.Events, 1)
	assert.Equal(t, 1, feed.UnreadCount)

	resp, body = post(t, feedPath+"/read", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var marked model.MarkReadResponse
	data(t, body, &marked)
	assert.Equal(t, int64(1), marked.Marked)
	assert.Zero(t, marked.UnreadCount)

	logs, err := testDB.ActionLogsForSession(context.Background(), s.session, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, res.LogEntryID, logs[0].ID)
}

func TestExecuteUnavailableWritesNothing(t *testing.T) {
	s := newScene(t)
	req := s.whisper()
	req.ActionID = "stab_behind"

	resp, body := post(t, "/v1/sessions/"+s.session.String()+"/actions/execute", req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), model.ErrCodeActionUnavailable))

	logs, err := testDB.ActionLogsForSession(context.Background(), s.session, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestExecuteIdempotencyAgainstPostgres(t *testing.T) {
	s := newScene(t)
	path := "/v1/sessions/" + s.session.String() + "/actions/execute"

	resp, first := post(t, path, s.whisper(), "Idempotency-Key", "whisper-turn-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, second := post(t, path, s.whisper(), "Idempotency-Key", "whisper-turn-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a, b actions.ExecutionResult
	data(t, first, &a)
	data(t, second, &b)
	assert.Equal(t, a.LogEntryID, b.LogEntryID)

	logs, err := testDB.ActionLogsForSession(context.Background(), s.session, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

// nextSSE reads one event, skipping keepalive comments.
func nextSSE(t *testing.T, r *bufio.Reader) (string, []byte) {
	t.Helper()
	type result struct {
		name string
		data []byte
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- res
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				res.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				res.data = []byte(strings.TrimPrefix(line, "data: "))
			case line == "" && res.name != "":
				ch <- res
				return
			}
		}
	}()
	select {
	case res := <-ch:
		return res.name, res.data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading SSE event")
		return "", nil
	}
}
