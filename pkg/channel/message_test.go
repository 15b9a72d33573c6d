package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/grovetools/collab/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFrameFormat(t *testing.T) {
	data, err := EncodeText(Message{Ref: "3", Topic: "phoenix", Event: EventHeartbeat})
	require.NoError(t, err)
	assert.JSONEq(t, `[null,"3","phoenix","heartbeat",{}]`, string(data))

	m, err := DecodeText([]byte(`["1","2","workflow:collaborate:42","phx_reply",{"status":"ok","response":{}}]`))
	require.NoError(t, err)
	assert.Equal(t, "1", m.JoinRef)
	assert.Equal(t, "2", m.Ref)
	assert.Equal(t, "workflow:collaborate:42", m.Topic)
	assert.Equal(t, EventReply, m.Event)
	assert.False(t, m.IsBinary())

	var r Reply
	require.NoError(t, json.Unmarshal(m.Payload, &r))
	assert.True(t, r.OK())
}

func TestDecodeTextRejectsMalformed(t *testing.T) {
	for _, input := range []string{`{}`, `[1,2,3]`, `[null,null,5,"e",{}]`, `not json`} {
		_, err := DecodeText([]byte(input))
		require.Error(t, err, input)
		assert.True(t, errors.Is(err, errors.ErrCodeMalformedFrame))
	}
}

func TestBinaryPushLayout(t *testing.T) {
	data, err := EncodeBinary(Message{Kind: KindPush, JoinRef: "1", Ref: "12", Topic: "t", Event: "yjs", Binary: []byte{9, 8}})
	require.NoError(t, err)
	want := append([]byte{0, 1, 2, 1, 3}, []byte("112tyjs")...)
	want = append(want, 9, 8)
	assert.Equal(t, want, data)

	m, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, "1", m.JoinRef)
	assert.Equal(t, "12", m.Ref)
	assert.Equal(t, "t", m.Topic)
	assert.Equal(t, "yjs", m.Event)
	assert.Equal(t, []byte{9, 8}, m.Binary)
}

func TestBinaryBroadcastWithEmptyPayload(t *testing.T) {
	data, err := EncodeBinary(Message{Kind: KindBroadcast, Topic: "room", Event: "awareness"})
	require.NoError(t, err)

	m, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, KindBroadcast, m.Kind)
	assert.Equal(t, "awareness", m.Event)
	assert.True(t, m.IsBinary())
	assert.Empty(t, m.Binary)
}

func TestDecodeBinaryRejectsTruncated(t *testing.T) {
	for _, input := range [][]byte{{}, {7}, {0, 1}, {2, 5, 1, 'a'}} {
		_, err := DecodeBinary(input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeMalformedFrame))
	}
}

func TestReplyReason(t *testing.T) {
	payload, err := ReplyPayload(ReplyError, map[string]string{"reason": "unauthorized"})
	require.NoError(t, err)

	var r Reply
	require.NoError(t, json.Unmarshal(payload, &r))
	assert.False(t, r.OK())
	assert.Equal(t, "unauthorized", r.Reason())
}

func TestBackoffDuration(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Duration(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, time.Second, b.Duration(10000))

	var zero Backoff
	assert.Equal(t, 500*time.Millisecond, zero.Duration(0))
}
