package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/editor"
	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/grovetools/collab/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	relay *Server
	http  *httptest.Server
}

func newHarness(t *testing.T, cfg config.RelayConfig) *harness {
	t.Helper()
	srv, err := New(Options{Config: cfg, Logger: logging.NewLogger("relay-test")})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &harness{relay: srv, http: hs}
}

func (h *harness) socketURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + SocketPath
}

func (h *harness) get(t *testing.T, path string) string {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

type peer struct {
	editor *editor.Editor
	socket *channel.Socket
}

// start opens a socket and an editor for target without waiting for the
// join to succeed.
func (h *harness) start(t *testing.T, target editor.Target) *peer {
	t.Helper()
	sock := channel.NewSocket(channel.Options{
		URL:     h.socketURL(),
		Backoff: channel.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, sock.Connect(context.Background()))
	t.Cleanup(func() {
		sock.Disconnect()
		<-sock.Done()
	})

	ed := editor.New(editor.Options{})
	t.Cleanup(ed.Close)
	require.NoError(t, ed.Start(sock, target))
	return &peer{editor: ed, socket: sock}
}

func (h *harness) connect(t *testing.T, userID, name string) *peer {
	t.Helper()
	p := h.start(t, editor.Target{
		WorkflowID: "wf-1",
		Version:    sessioncontext.Latest(),
		Auth:       map[string]any{"user_id": userID, "first_name": name},
		User:       awareness.User{ID: userID, Name: name},
	})
	require.Eventually(t, p.editor.Ready, waitFor, tick)
	return p
}

func save(t *testing.T, ed *editor.Editor) workflow.SaveResult {
	t.Helper()
	done := make(chan workflow.SaveResult, 1)
	ed.SaveWorkflow(func(r workflow.SaveResult) { done <- r })
	select {
	case r := <-done:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for save reply")
		return workflow.SaveResult{}
	}
}

func workflowName(ed *editor.Editor) string {
	if wf := ed.Workflow.Snapshot().Workflow; wf != nil {
		return wf.Name
	}
	return ""
}

func TestHealthAndConfig(t *testing.T) {
	h := newHarness(t, config.RelayConfig{Addr: "localhost:0"})

	assert.Equal(t, "ok", h.get(t, "/health"))

	var running RunningConfig
	require.NoError(t, json.Unmarshal([]byte(h.get(t, "/api/config")), &running))
	assert.False(t, running.AuthEnabled)
	assert.False(t, running.Persistent)
	assert.True(t, running.CanEdit)
	assert.Equal(t, "dev", running.Version)

	h.connect(t, "u1", "Ada")
	assert.Contains(t, h.get(t, "/metrics"), "collab_relay_connections 1")

	var rooms []RoomInfo
	require.NoError(t, json.Unmarshal([]byte(h.get(t, "/api/rooms")), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "workflow:collaborate:wf-1", rooms[0].Topic)
	assert.Equal(t, 1, rooms[0].Members)
}

func TestNewRoomIsSeeded(t *testing.T) {
	h := newHarness(t, config.RelayConfig{})
	a := h.connect(t, "u1", "Ada")

	assert.Equal(t, "Untitled workflow", workflowName(a.editor))
	require.Eventually(t, func() bool { return a.editor.Context.Snapshot().Loaded }, waitFor, tick)
	ctx := a.editor.Context.Snapshot()
	assert.True(t, ctx.IsNewWorkflow)
	require.NotNil(t, ctx.User)
	assert.Equal(t, "u1", ctx.User.ID)
	assert.False(t, a.editor.ReadOnly())
}

func TestEditorsConverge(t *testing.T) {
	h := newHarness(t, config.RelayConfig{})
	a := h.connect(t, "u1", "Ada Lovelace")
	b := h.connect(t, "u2", "Grace Hopper")

	require.NoError(t, a.editor.Workflow.UpdateWorkflow(map[string]any{"name": "Intake"}))
	require.Eventually(t, func() bool { return workflowName(b.editor) == "Intake" }, waitFor, tick)

	id, err := b.editor.Workflow.AddJob(workflow.Job{Name: "Fetch"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.editor.Workflow.Snapshot().Job(id)
		return ok
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		users := a.editor.AwarenessList()
		return len(users) == 1 && users[0].User.Name == "Grace Hopper"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		users := b.editor.AwarenessList()
		return len(users) == 1 && users[0].User.Name == "Ada Lovelace"
	}, waitFor, tick)
}

func TestDroppedSocketRemovesPresence(t *testing.T) {
	h := newHarness(t, config.RelayConfig{})
	a := h.connect(t, "u1", "Ada Lovelace")
	b := h.connect(t, "u2", "Grace Hopper")
	require.Eventually(t, func() bool { return len(a.editor.AwarenessList()) == 1 }, waitFor, tick)

	b.socket.Disconnect()
	<-b.socket.Done()

	assert.Eventually(t, func() bool { return len(a.editor.AwarenessList()) == 0 }, waitFor, tick)
}

func TestSaveBumpsLockVersion(t *testing.T) {
	h := newHarness(t, config.RelayConfig{Adaptors: []config.AdaptorConfig{
		{Name: "@openfn/language-http", Versions: []string{"7.0.1", "7.0.0"}},
	}})
	a := h.connect(t, "u1", "Ada")
	b := h.connect(t, "u2", "Grace")

	require.Eventually(t, func() bool {
		return a.editor.Adaptors.LatestVersion("@openfn/language-http") == "7.0.1"
	}, waitFor, tick)

	result := save(t, a.editor)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.LockVersion)

	require.Eventually(t, func() bool {
		lv := b.editor.Context.Snapshot().LatestSnapshotLockVersion
		return lv != nil && *lv == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		wf := b.editor.Workflow.Snapshot().Workflow
		return wf != nil && wf.LockVersion != nil && *wf.LockVersion == 1
	}, waitFor, tick)
	assert.False(t, b.editor.ReadOnly())

	a.editor.RequestVersions()
	require.Eventually(t, func() bool { return len(a.editor.Context.Snapshot().Versions) == 1 }, waitFor, tick)
	assert.True(t, a.editor.Context.Snapshot().Versions[0].IsLatest)

	require.NoError(t, a.editor.SelectVersion(sessioncontext.AtLockVersion(1)))
	require.Eventually(t, a.editor.Ready, waitFor, tick)
	assert.True(t, a.editor.ReadOnly())

	result = save(t, a.editor)
	assert.True(t, errors.Is(result.Err, errors.ErrCodePermissionDenied))
}

func TestSaveRejectsInvalidWorkflow(t *testing.T) {
	h := newHarness(t, config.RelayConfig{})
	a := h.connect(t, "u1", "Ada")

	require.NoError(t, a.editor.Workflow.UpdateWorkflow(map[string]any{"name": " "}))
	result := save(t, a.editor)
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, errors.ErrCodeInvalidInput))
	assert.Equal(t, []string{"can't be blank"}, a.editor.Workflow.Snapshot().Errors["name"])
}

func TestReadOnlyPermissions(t *testing.T) {
	canEdit := false
	h := newHarness(t, config.RelayConfig{CanEdit: &canEdit})
	a := h.connect(t, "u1", "Ada")

	result := save(t, a.editor)
	assert.True(t, errors.Is(result.Err, errors.ErrCodePermissionDenied))

	require.Eventually(t, func() bool { return a.editor.Context.Snapshot().Loaded }, waitFor, tick)
	assert.False(t, a.editor.Context.Snapshot().Permissions.CanEditWorkflow)
	assert.False(t, a.editor.ReadOnly(), "a workflow being created stays writable")
}

func TestJoinRequiresValidToken(t *testing.T) {
	h := newHarness(t, config.RelayConfig{JWTSecret: "s3cret"})

	bad := h.start(t, editor.Target{
		WorkflowID: "wf-1",
		Version:    sessioncontext.Latest(),
		Auth:       map[string]any{"token": "not-a-jwt"},
		User:       awareness.User{ID: "u1", Name: "Ada"},
	})
	require.Eventually(t, func() bool {
		st := bad.editor.SessionSnapshot().LastStatus
		return st != nil && st.Status == channel.StatusErrored
	}, waitFor, tick)
	assert.True(t, errors.Is(bad.editor.SessionSnapshot().LastStatus.Err, errors.ErrCodeAuthRejected))
	assert.False(t, bad.editor.Ready())

	token, err := MintToken("s3cret", Identity{UserID: "u1", FirstName: "Ada"}, time.Hour, time.Now())
	require.NoError(t, err)
	good := h.start(t, editor.Target{
		WorkflowID: "wf-1",
		Version:    sessioncontext.Latest(),
		Auth:       map[string]any{"token": token},
		User:       awareness.User{ID: "u1", Name: "Ada"},
	})
	require.Eventually(t, good.editor.Ready, waitFor, tick)
	require.Eventually(t, func() bool {
		u := good.editor.Context.Snapshot().User
		return u != nil && u.ID == "u1" && u.FirstName == "Ada"
	}, waitFor, tick)
}

func TestUnknownVersionIsRejected(t *testing.T) {
	h := newHarness(t, config.RelayConfig{})
	p := h.start(t, editor.Target{
		WorkflowID: "wf-1",
		Version:    sessioncontext.AtLockVersion(9),
		User:       awareness.User{ID: "u1", Name: "Ada"},
	})
	require.Eventually(t, func() bool {
		st := p.editor.SessionSnapshot().LastStatus
		return st != nil && st.Status == channel.StatusErrored
	}, waitFor, tick)
	assert.Equal(t, "not_found", p.editor.SessionSnapshot().LastStatus.Reason)
}

func TestSnapshotStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	inserted := time.UnixMilli(1_700_000_000_000).UTC()

	store, err := OpenSnapshots(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), Snapshot{WorkflowID: "wf-1", LockVersion: 1, State: []byte("one"), InsertedAt: inserted}))
	require.NoError(t, store.Save(context.Background(), Snapshot{WorkflowID: "wf-1", LockVersion: 2, State: []byte("two"), InsertedAt: inserted.Add(time.Minute)}))
	require.NoError(t, store.Close())

	store, err = OpenSnapshots(path)
	require.NoError(t, err)
	defer store.Close()

	latest, err := store.Latest(context.Background(), "wf-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.LockVersion)
	assert.Equal(t, []byte("two"), latest.State)
	assert.True(t, inserted.Add(time.Minute).Equal(latest.InsertedAt))

	first, err := store.Get(context.Background(), "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), first.State)

	missing, err := store.Get(context.Background(), "wf-1", 7)
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := store.Latest(context.Background(), "wf-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	versions, err := store.Versions(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].LockVersion)
	assert.True(t, versions[0].IsLatest)
	assert.False(t, versions[1].IsLatest)
}

func TestValidate(t *testing.T) {
	job := "j1"
	missing := "nope"
	tests := []struct {
		name string
		proj workflow.Projection
		want workflow.Errors
	}{
		{"no workflow", workflow.Projection{}, workflow.Errors{"base": {"workflow is missing"}}},
		{"valid", workflow.Projection{
			Workflow: &workflow.Workflow{ID: "wf-1", Name: "Intake"},
			Jobs:     []workflow.Job{{ID: job, Name: "Fetch"}},
		}, workflow.Errors{}},
		{"blank names", workflow.Projection{
			Workflow: &workflow.Workflow{ID: "wf-1", Name: ""},
			Jobs:     []workflow.Job{{ID: job}},
		}, workflow.Errors{"name": {"can't be blank"}, "jobs.j1.name": {"can't be blank"}}},
		{"dangling edge", workflow.Projection{
			Workflow: &workflow.Workflow{ID: "wf-1", Name: "Intake"},
			Jobs:     []workflow.Job{{ID: job, Name: "Fetch"}},
			Edges:    []workflow.Edge{{ID: "e1", SourceTriggerID: &missing, TargetJobID: job}},
		}, workflow.Errors{"edges.e1.source_trigger_id": {"does not exist"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validate(tt.proj))
		})
	}
}

func TestMintTokenRequiresSecret(t *testing.T) {
	_, err := MintToken("", Identity{UserID: "u1"}, time.Hour, time.Now())
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	auth := NewAuthenticator("k")
	token, err := MintToken("k", Identity{UserID: "u1", Email: "ada@example.com"}, 0, time.Now())
	require.NoError(t, err)
	id, err := auth.Authenticate(map[string]any{"token": token})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", id.Email)

	_, err = NewAuthenticator("other").Authenticate(map[string]any{"token": token})
	assert.True(t, errors.Is(err, errors.ErrCodeAuthRejected))
}

func TestReloadAppliesPermissions(t *testing.T) {
	h := newHarness(t, config.RelayConfig{Addr: "localhost:0"})
	p := h.connect(t, "u1", "Ada")

	no := false
	h.relay.Reload(config.RelayConfig{Addr: "elsewhere:1", CanEdit: &no, JWTSecret: "s3cret"})

	var running RunningConfig
	require.NoError(t, json.Unmarshal([]byte(h.get(t, "/api/config")), &running))
	assert.Equal(t, "localhost:0", running.Addr)
	assert.False(t, running.CanEdit)
	assert.True(t, running.AuthEnabled)

	r := save(t, p.editor)
	assert.True(t, errors.Is(r.Err, errors.ErrCodePermissionDenied))
}
