package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/history"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/record"
	"github.com/livinlefevreloca/tether/internal/remote"
	"github.com/livinlefevreloca/tether/internal/store"
	"github.com/livinlefevreloca/tether/internal/testutil"
)

const waitTimeout = 3 * time.Second

type fixture struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
	orch   *orchestrator.Orchestrator
	store  *store.Store
	remote *remote.Memory
}

type fakeHistory struct {
	runs  []history.RunReport
	limit int
}

func (f *fakeHistory) Recent(limit int) ([]history.RunReport, error) {
	f.limit = limit
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

type fakeSwitch struct {
	mu  sync.Mutex
	set []bool
}

func (f *fakeSwitch) Set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, online)
}

func newFixture(t *testing.T, modify func(*orchestrator.Config, *Config, *Deps)) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger().Logger()

	st, err := store.Open(store.NewMemoryMedium())
	require.NoError(t, err)

	qc := queue.DefaultConfig()
	qc.InitialDelay = 10 * time.Millisecond
	qc.MaxDelay = 100 * time.Millisecond
	q, err := queue.New(st, qc, queue.SystemClock, logger)
	require.NoError(t, err)

	netConfig := netmon.DefaultConfig()
	netConfig.DebounceWindow = 0
	monitor, err := netmon.New(netConfig, nil, logger)
	require.NoError(t, err)

	rem := remote.NewMemory()

	orchConfig := orchestrator.DefaultConfig()
	orchConfig.SyncStrategy = orchestrator.Eventual
	orchConfig.SyncSchedule = ""
	orchConfig.CallTimeout = 2 * time.Second

	apiConfig := DefaultConfig()
	deps := Deps{}
	if modify != nil {
		modify(&orchConfig, &apiConfig, &deps)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:   st,
		Queue:   q,
		Remote:  rem,
		Network: monitor,
	}, orchConfig, logger)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	deps.Syncer = orch
	server, err := NewServer(apiConfig, deps, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		server.Shutdown(context.Background())
		ts.Close()
		orch.Close()
		monitor.Stop()
	})

	return &fixture{t: t, server: server, http: ts, orch: orch, store: st, remote: rem}
}

func (f *fixture) do(method, path string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func fields(kv map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		b, _ := json.Marshal(v)
		out[k] = b
	}
	return out
}

func title(r *record.Record) string {
	var s string
	json.Unmarshal(r.Data["title"], &s)
	return s
}

// ==============================================================================
// Mutations and Records
// ==============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueTriggerAndReadBack(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "a",
		Kind:     "task",
		Data:     fields(map[string]string{"title": "write tests"}),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[EnqueueResponse](t, resp)
	assert.True(t, created.Confirmed)
	assert.Equal(t, "a", created.Item.RecordID)

	status := decode[orchestrator.Status](t, f.do(http.MethodGet, "/api/v1/sync/state", nil))
	assert.Equal(t, 1, status.QueueLength)
	assert.Equal(t, orchestrator.Eventual, status.SyncStrategy)

	resp = f.do(http.MethodPost, "/api/v1/sync/trigger", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	testutil.WaitFor(t, func() bool {
		_, ok := f.remote.Get("a")
		return ok && f.orch.Status().QueueLength == 0
	}, waitTimeout, "record pushed")

	rec := decode[record.Record](t, f.do(http.MethodGet, "/api/v1/records/a", nil))
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "write tests", title(&rec))

	records := decode[[]record.Record](t, f.do(http.MethodGet, "/api/v1/records", nil))
	assert.Len(t, records, 1)

	resp = f.do(http.MethodGet, "/api/v1/records/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueRejectsInvalidMutation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{Op: record.OpUpdate, RecordID: "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/v1/mutations", strings.NewReader("{"))
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestPessimisticEnqueueUnconfirmed(t *testing.T) {
	f := newFixture(t, func(oc *orchestrator.Config, ac *Config, _ *Deps) {
		oc.SyncStrategy = orchestrator.Pessimistic
		ac.EnqueueTimeout = 50 * time.Millisecond
	})
	f.remote.SetHook(func(ctx context.Context, method, recordID string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	resp := f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "slow",
		Data:     fields(map[string]string{"title": "x"}),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[EnqueueResponse](t, resp)
	assert.False(t, body.Confirmed)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, "slow", body.Item.RecordID)
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, func(_ *orchestrator.Config, ac *Config, _ *Deps) {
		ac.Token = "secret"
	})

	resp := f.do(http.MethodGet, "/api/v1/sync/state", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/sync/state", nil)
	req.Header.Set("Authorization", "Bearer secret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// Health stays open
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil).StatusCode)
}

// ==============================================================================
// Dead Letters and Conflicts
// ==============================================================================

func TestDeadLetterListAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.SetValidator(func(r *record.Record) error {
		if title(r) == "" {
			return errors.New("title is required")
		}
		return nil
	})

	f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "a",
		Data:     fields(map[string]string{"owner": "me"}),
	})
	f.do(http.MethodPost, "/api/v1/sync/trigger", nil)

	testutil.WaitFor(t, func() bool { return len(f.orch.DeadLetters()) == 1 }, waitTimeout, "dead-lettered")

	dead := decode[[]queue.Item](t, f.do(http.MethodGet, "/api/v1/deadletters", nil))
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].DeadReason, "title is required")

	f.remote.SetValidator(nil)
	resp := f.do(http.MethodPost, "/api/v1/deadletters/"+dead[0].ID+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	testutil.WaitFor(t, func() bool {
		_, ok := f.remote.Get("a")
		return ok
	}, waitTimeout, "retried item pushed")

	resp = f.do(http.MethodPost, "/api/v1/deadletters/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflictListAndResolve(t *testing.T) {
	f := newFixture(t, func(oc *orchestrator.Config, _ *Config, _ *Deps) {
		oc.ConflictStrategy = conflict.Manual
	})

	base := &record.Record{ID: "c", Kind: "task", Version: 1, UpdatedAt: time.Now().Add(-time.Hour), Data: fields(map[string]string{"title": "draft"})}
	require.NoError(t, f.store.PutRecord(base))
	f.remote.Put(&record.Record{ID: "c", Kind: "task", Version: 2, UpdatedAt: time.Now(), Data: fields(map[string]string{"title": "theirs"})})

	f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpUpdate,
		RecordID: "c",
		Data:     fields(map[string]string{"title": "mine"}),
	})
	f.do(http.MethodPost, "/api/v1/sync/trigger", nil)

	testutil.WaitFor(t, func() bool { return len(f.orch.Conflicts()) == 1 }, waitTimeout, "conflict held")

	conflicts := decode[[]orchestrator.Conflict](t, f.do(http.MethodGet, "/api/v1/conflicts", nil))
	require.Len(t, conflicts, 1)
	itemID := conflicts[0].ItemID
	assert.Equal(t, "theirs", title(conflicts[0].Remote))

	resp := f.do(http.MethodPost, "/api/v1/conflicts/"+itemID+"/resolve", ResolveRequest{Strategy: conflict.Manual})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(http.MethodPost, "/api/v1/conflicts/"+itemID+"/resolve", ResolveRequest{Strategy: "coin_flip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(http.MethodPost, "/api/v1/conflicts/unknown/resolve", ResolveRequest{Strategy: conflict.LocalWins})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(http.MethodPost, "/api/v1/conflicts/"+itemID+"/resolve", ResolveRequest{Strategy: conflict.LocalWins})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	testutil.WaitFor(t, func() bool {
		got, _ := f.remote.Get("c")
		return got != nil && title(got) == "mine"
	}, waitTimeout, "local version pushed")
}

// ==============================================================================
// History and Network
// ==============================================================================

func TestHistory(t *testing.T) {
	hist := &fakeHistory{runs: []history.RunReport{{ID: "r2"}, {ID: "r1"}}}
	f := newFixture(t, func(_ *orchestrator.Config, _ *Config, d *Deps) {
		d.History = hist
	})

	runs := decode[[]history.RunReport](t, f.do(http.MethodGet, "/api/v1/history", nil))
	assert.Len(t, runs, 2)
	assert.Equal(t, defaultHistoryLimit, hist.limit)

	runs = decode[[]history.RunReport](t, f.do(http.MethodGet, "/api/v1/history?limit=1", nil))
	assert.Equal(t, []history.RunReport{{ID: "r2"}}, runs)

	resp := f.do(http.MethodGet, "/api/v1/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(http.MethodGet, "/api/v1/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworkSwitch(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(http.MethodPost, "/api/v1/network", NetworkRequest{Online: false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	sw := &fakeSwitch{}
	f = newFixture(t, func(_ *orchestrator.Config, _ *Config, d *Deps) {
		d.Network = sw
	})
	resp = f.do(http.MethodPost, "/api/v1/network", NetworkRequest{Online: false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.do(http.MethodPost, "/api/v1/network", NetworkRequest{Online: true})

	sw.mu.Lock()
	defer sw.mu.Unlock()
	assert.Equal(t, []bool{false, true}, sw.set)
}

// ==============================================================================
// Stream
// ==============================================================================

func TestStreamSendsStatusThenRuns(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first Message
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, MessageState, first.Type)

	f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "s",
		Data:     fields(map[string]string{"title": "streamed"}),
	})
	f.do(http.MethodPost, "/api/v1/sync/trigger", nil)

	// Runs from earlier triggers may arrive first
	for {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type != MessageRun {
			continue
		}
		run, ok := msg.Data.(map[string]any)
		require.True(t, ok)
		if run["acked"] != float64(1) {
			continue
		}
		assert.Equal(t, orchestrator.OutcomeDrained, run["outcome"])
		break
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestClearLocalState(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "a",
		Kind:     "task",
		Data:     fields(map[string]string{"title": "draft"}),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(http.MethodPost, "/api/v1/local/clear", ClearRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, f.orch.Status().QueueLength)

	resp = f.do(http.MethodPost, "/api/v1/local/clear", ClearRequest{Confirm: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[orchestrator.Status](t, resp)
	assert.Equal(t, 0, status.QueueLength)

	resp = f.do(http.MethodGet, "/api/v1/records/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearRefusedDuringSync(t *testing.T) {
	f := newFixture(t, nil)

	inflight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.SetHook(func(ctx context.Context, method, id string) error {
		if method == "apply" {
			once.Do(func() { close(inflight) })
			<-release
		}
		return nil
	})

	resp := f.do(http.MethodPost, "/api/v1/mutations", record.Mutation{
		Op:       record.OpCreate,
		RecordID: "a",
		Kind:     "task",
		Data:     fields(map[string]string{"title": "draft"}),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.do(http.MethodPost, "/api/v1/sync/trigger", nil)
	<-inflight

	resp = f.do(http.MethodPost, "/api/v1/local/clear", ClearRequest{Confirm: true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	testutil.WaitFor(t, func() bool {
		st := f.orch.Status()
		return st.QueueLength == 0 && st.State == orchestrator.SyncIdle
	}, waitTimeout, "drained")

	resp = f.do(http.MethodPost, "/api/v1/local/clear", ClearRequest{Confirm: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.StreamBuffer = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.EnqueueTimeout = 0
	assert.Error(t, c.Validate())
}

func TestShutdownBeforeStart(t *testing.T) {
	config := DefaultConfig()
	config.Listen = "127.0.0.1:0"
	server, err := NewServer(config, Deps{Syncer: newFixture(t, nil).orch}, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	require.NoError(t, server.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- server.Start() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Start kept serving after Shutdown")
	}
	assert.Empty(t, server.Addr())
}

func TestStartThenShutdown(t *testing.T) {
	config := DefaultConfig()
	config.Listen = "127.0.0.1:0"
	server, err := NewServer(config, Deps{Syncer: newFixture(t, nil).orch}, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Start() }()
	testutil.WaitFor(t, func() bool { return server.Addr() != "" }, waitTimeout, "listening")

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Start did not return after Shutdown")
	}
}
