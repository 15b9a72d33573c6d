package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/grovetools/collab/pkg/session"
	"github.com/grovetools/collab/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	transport *testutil.FakeTransport
	server    *testutil.SyncServer
	store     *session.Store

	mu     sync.Mutex
	phases []session.Phase
}

func newHarness(t *testing.T, withServer bool) *harness {
	h := &harness{transport: testutil.NewFakeTransport()}
	if withServer {
		h.server = testutil.NewSyncServer()
		h.transport.OnOpen = h.server.Attach
	}
	h.store = session.NewStore(session.Options{
		Clock:    testutil.FakeClock(),
		Presence: awareness.Settings{StaleAfter: 12 * time.Second, RetainFor: 60 * time.Second},
	})
	t.Cleanup(h.store.Close)

	h.store.Subscribe(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := h.store.Snapshot().Phase
		if n := len(h.phases); n == 0 || h.phases[n-1] != p {
			h.phases = append(h.phases, p)
		}
	})
	return h
}

func (h *harness) start(t *testing.T) *testutil.FakeConn {
	t.Helper()
	require.NoError(t, h.store.InitializeSession(h.transport, "workflow:collaborate:wf-1",
		map[string]any{"token": "secret"}, awareness.User{ID: "u1", Name: "Ada Lovelace"}))
	return h.transport.Last()
}

func (h *harness) takePhases() []session.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.phases
	h.phases = nil
	return out
}

func TestInitializeSessionStartsJoin(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)

	st := h.store.Snapshot()
	assert.Equal(t, session.PhaseConnecting, st.Phase)
	assert.NotNil(t, st.Document)
	assert.NotNil(t, st.Awareness)
	assert.Equal(t, "workflow:collaborate:wf-1", st.RoomID)
	assert.Equal(t, "Ada Lovelace", st.LocalUser.Name)
	assert.False(t, st.IsConnected)
	assert.Equal(t, 1, conn.JoinCount())
	assert.Equal(t, "secret", conn.Params()["token"])
}

func TestConnectSyncsAndSettles(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	h.takePhases()

	conn.Connect()

	assert.Equal(t, []session.Phase{session.PhaseSyncing, session.PhaseSynced}, h.takePhases())
	st := h.store.Snapshot()
	assert.True(t, st.IsConnected)
	assert.True(t, st.IsSynced)
	assert.True(t, st.Settled)
	assert.True(t, session.Ready(st, false))
}

func TestSettledSurvivesDisconnect(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	conn.Connect()
	doc := h.store.Snapshot().Document
	h.takePhases()

	conn.Drop()

	st := h.store.Snapshot()
	assert.Equal(t, []session.Phase{session.PhaseDisconnected}, h.takePhases())
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsSynced)
	assert.True(t, st.Settled)
	assert.Same(t, doc, st.Document, "document is preserved")

	// Cached projection keeps the editor on screen; without one it waits.
	assert.True(t, session.Ready(st, true))
	assert.False(t, session.Ready(st, false))

	conn.Connect()
	assert.Equal(t, []session.Phase{session.PhaseReconnecting, session.PhaseSyncing, session.PhaseSynced}, h.takePhases())
	assert.True(t, h.store.Snapshot().Settled)
}

func TestNotReadyBeforeFirstSync(t *testing.T) {
	h := newHarness(t, false)
	conn := h.start(t)
	conn.Connect()

	st := h.store.Snapshot()
	assert.Equal(t, session.PhaseSyncing, st.Phase)
	assert.False(t, st.Settled)
	assert.False(t, session.Ready(st, true))

	frames := conn.BinaryOf(session.EventSync)
	require.NotEmpty(t, frames)
	typ, _, err := session.DecodeSync(frames[0])
	require.NoError(t, err)
	assert.Equal(t, session.SyncStep1, typ)

	server := crdt.NewDoc(9)
	diff, err := server.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	conn.EmitBinary(session.EventSync, session.EncodeSync(session.SyncStep2, diff))

	st = h.store.Snapshot()
	assert.Equal(t, session.PhaseSynced, st.Phase)
	assert.True(t, st.Settled)
}

func TestSyncBeforeConnectIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	conn := h.start(t)

	diff, err := crdt.NewDoc(9).EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	conn.EmitBinary(session.EventSync, session.EncodeSync(session.SyncStep2, diff))

	st := h.store.Snapshot()
	assert.False(t, st.IsSynced)
	assert.False(t, st.Settled)
}

func TestErroredStatusIsRecorded(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)

	conn.EmitStatus(channel.StatusEvent{
		Status: channel.StatusErrored,
		Reason: "unauthorized",
		Err:    errors.JoinRejected(conn.Topic(), "unauthorized"),
	})

	st := h.store.Snapshot()
	require.NotNil(t, st.LastStatus)
	assert.Equal(t, channel.StatusErrored, st.LastStatus.Status)
	assert.Equal(t, "unauthorized", st.LastStatus.Reason)
	assert.Equal(t, session.PhaseConnecting, st.Phase)
	assert.Equal(t, 1, conn.JoinCount(), "no internal retry")
}

func TestCrashedChannelDropsSync(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	conn.Connect()
	doc := h.store.Snapshot().Document
	h.takePhases()

	conn.Crash()

	st := h.store.Snapshot()
	assert.Equal(t, []session.Phase{session.PhaseDisconnected}, h.takePhases())
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsSynced)
	assert.True(t, st.Settled)
	require.NotNil(t, st.LastStatus)
	assert.Equal(t, "channel crashed", st.LastStatus.Reason)

	require.NoError(t, doc.Transact("test", func(tx *crdt.Txn) {
		tx.Map("workflow").Set("name", "while crashed")
	}))

	conn.Connect()
	assert.Equal(t, []session.Phase{session.PhaseReconnecting, session.PhaseSyncing, session.PhaseSynced}, h.takePhases())
	assert.True(t, h.store.Snapshot().IsSynced)
	name, _ := h.server.Doc.Map("workflow").Get("name")
	assert.Equal(t, "while crashed", name)
}

func TestDestroyDuringConnectSkipsSync(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)

	unsub := h.store.Subscribe(func() {
		if h.store.Snapshot().IsConnected {
			h.store.Destroy()
		}
	})
	defer unsub()
	conn.Connect()

	st := h.store.Snapshot()
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.False(t, st.IsConnected)
	assert.True(t, conn.Left())
	assert.Empty(t, conn.BinaryOf(session.EventSync))
}

func TestInitializeTwiceFails(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	err := h.store.InitializeSession(h.transport, "other", nil, awareness.User{})
	assert.True(t, errors.Is(err, errors.ErrCodeSessionActive))
}

func TestDestroyReturnsToIdle(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	conn.Connect()

	h.store.Destroy()

	st := h.store.Snapshot()
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.Nil(t, st.Document)
	assert.Nil(t, st.Channel)
	assert.False(t, st.Settled)
	assert.True(t, conn.Left())

	// Late events from the old channel are ignored.
	conn.EmitStatus(channel.StatusEvent{Status: channel.StatusConnected})
	assert.Equal(t, session.PhaseIdle, h.store.Snapshot().Phase)

	h.start(t)
	assert.Equal(t, session.PhaseConnecting, h.store.Snapshot().Phase)
	h.store.Destroy()
	h.store.Destroy()
}

func TestDocumentUpdatesFlowBothWays(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	conn.Connect()
	doc := h.store.Snapshot().Document

	require.NoError(t, doc.Transact("test", func(tx *crdt.Txn) {
		tx.Map("workflow").Set("name", "from client")
	}))
	name, _ := h.server.Doc.Map("workflow").Get("name")
	assert.Equal(t, "from client", name)

	require.NoError(t, h.server.Doc.Transact("server", func(tx *crdt.Txn) {
		tx.Map("workflow").Set("concurrency", 3)
	}))
	var concurrency int
	ok, err := doc.Map("workflow").GetInto("concurrency", &concurrency)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, concurrency)
}

func TestOfflineEditsReconcileOnRejoin(t *testing.T) {
	h := newHarness(t, true)
	conn := h.start(t)
	conn.Connect()
	doc := h.store.Snapshot().Document

	conn.Drop()
	require.NoError(t, doc.Transact("test", func(tx *crdt.Txn) {
		tx.Map("workflow").Set("name", "offline edit")
	}))
	assert.False(t, h.server.Doc.Map("workflow").Has("name"))

	conn.Connect()
	name, _ := h.server.Doc.Map("workflow").Get("name")
	assert.Equal(t, "offline edit", name)
}

func TestPresenceCrossesSessions(t *testing.T) {
	server := testutil.NewSyncServer()
	transport := testutil.NewFakeTransport()
	transport.OnOpen = server.Attach

	open := func(name string) *session.Store {
		s := session.NewStore(session.Options{Clock: testutil.FakeClock()})
		t.Cleanup(s.Close)
		require.NoError(t, s.InitializeSession(transport, "room", nil, awareness.User{ID: name, Name: name + " Doe"}))
		transport.Last().Connect()
		return s
	}
	alice := open("alice")
	bob := open("bob")

	require.Len(t, alice.Snapshot().Awareness.RemoteUsers(), 1)
	assert.Equal(t, "bob Doe", alice.Snapshot().Awareness.RemoteUsers()[0].User.Name)
	require.Len(t, bob.Snapshot().Awareness.RemoteUsers(), 1)
	assert.Equal(t, "alice Doe", bob.Snapshot().Awareness.RemoteUsers()[0].User.Name)

	bob.Destroy()
	assert.Empty(t, alice.Snapshot().Awareness.RemoteUsers(), "explicit removal on destroy")
}
