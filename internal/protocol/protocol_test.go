package protocol

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"pgregory.net/rapid"
)

func TestDecodeInbound_Kinds(t *testing.T) {
	cases := []struct {
		raw  string
		want Inbound
	}{
		{`{"kind":"say","payload":{"message":"open the door"}}`, Say{Message: "open the door"}},
		{`{"kind":"submit_turn","payload":{}}`, SubmitTurn{}},
		{`{"kind":"start_game"}`, StartGame{}},
		{`{"kind":"resume_game","payload":{}}`, ResumeGame{}},
	}
	for _, tc := range cases {
		got, err := DecodeInbound([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestDecodeInbound_Malformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"payload":{}}`,
		`{"kind":42}`,
		`{"kind":"dance","payload":{}}`,
		`{"kind":"say","payload":{}}`,
		`{"kind":"say","payload":{"message":7}}`,
		`{"kind":"say","payload":"hello"}`,
	} {
		_, err := DecodeInbound([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestEncode_StateUpdateIsFlatSnapshot(t *testing.T) {
	data, err := Encode(StateUpdate{Room: RoomView{
		RoomID:    "R1",
		OwnerID:   "alice",
		GameState: "ACTIVE",
		TurnState: "OPEN",
		Submitted: []string{"bob"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "state_update", gjson.GetBytes(data, "kind").String())
	assert.Equal(t, "R1", gjson.GetBytes(data, "payload.room_id").String())
	assert.Equal(t, "bob", gjson.GetBytes(data, "payload.submitted.0").String())
}

func TestEncode_AudioChunkIsBase64(t *testing.T) {
	data, err := Encode(AudioChunk{Chunk: []byte{0x01, 0x02, 0xff}})
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(gjson.GetBytes(data, "payload.chunk").String())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, raw)
}

func TestEncode_EmptyHistoryIsArray(t *testing.T) {
	data, err := Encode(ChatHistory{})
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(data, "payload.messages").IsArray())
}

func TestEncode_StreamEnd(t *testing.T) {
	data, err := Encode(StreamEnd{FinalMessage: &MessageView{Seq: 4, AuthorID: "narrator", Content: "The door creaks."}})
	require.NoError(t, err)
	assert.Equal(t, "stream_end", gjson.GetBytes(data, "kind").String())
	assert.Equal(t, "The door creaks.", gjson.GetBytes(data, "payload.final_message.content").String())
	assert.Equal(t, int64(4), gjson.GetBytes(data, "payload.final_message.seq").Int())
}

func TestEncode_AbortedStreamEndHasNullMessage(t *testing.T) {
	data, err := Encode(StreamEnd{})
	require.NoError(t, err)
	final := gjson.GetBytes(data, "payload.final_message")
	assert.True(t, final.Exists())
	assert.Equal(t, gjson.Null, final.Type)
}

func TestEncode_NilRejected(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestPropertySayRoundTripsAnyText(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.String().Draw(rt, "text")
		frame, err := Encode(System{Message: text})
		require.NoError(rt, err)
		raw := []byte(`{"kind":"say","payload":` + gjson.GetBytes(frame, "payload").Raw + `}`)
		// System and Say share the "message" payload field.
		in, err := DecodeInbound(raw)
		require.NoError(rt, err)
		assert.Equal(rt, Say{Message: text}, in)
	})
}
