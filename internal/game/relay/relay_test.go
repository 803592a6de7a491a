package relay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/vdm/internal/game/relay"
	"github.com/cory-johannsen/vdm/internal/protocol"
	"github.com/cory-johannsen/vdm/internal/testutil"
)

func TestRelay_SubscribeUnsubscribe(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	r.Subscribe(a)
	r.Subscribe(a)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.HasPlayer("alice"))
	assert.False(t, r.HasPlayer("bob"))

	assert.True(t, r.Unsubscribe("s1"))
	assert.False(t, r.Unsubscribe("s1"))
	assert.Equal(t, 0, r.Len())
}

func TestRelay_BroadcastExcept(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	b := testutil.NewRecorder("s2", "bob")
	r.Subscribe(a)
	r.Subscribe(b)

	r.BroadcastExcept("s1", protocol.System{Message: "hi"})
	r.Broadcast(protocol.System{Message: "all"})

	assert.Equal(t, []string{"all"}, a.Systems())
	assert.Equal(t, []string{"hi", "all"}, b.Systems())
}

func TestRelay_FailedDeliveryDoesNotStopFanout(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	b := testutil.NewRecorder("s2", "bob")
	a.Close()
	r.Subscribe(a)
	r.Subscribe(b)

	r.Broadcast(protocol.System{Message: "x"})
	assert.Empty(t, a.Frames())
	assert.Equal(t, []string{"x"}, b.Systems())
}

func TestStream_MidStreamJoinGetsOnlyEnd(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	b := testutil.NewRecorder("s2", "bob")
	r.Subscribe(a)
	r.Subscribe(b)

	s := r.Open()
	s.Start()
	s.Text("The ")
	late := testutil.NewRecorder("s3", "carol")
	r.Subscribe(late)
	s.Text("door ")
	s.Audio([]byte{1, 2})
	s.Text("opens.")
	require.True(t, s.End(protocol.MessageView{Seq: 3, Content: "The door opens."}))

	want := []string{"The ", "door ", "opens."}
	assert.Equal(t, want, a.Chunks())
	assert.Equal(t, want, b.Chunks())
	assert.Equal(t, a.Kinds(), b.Kinds())
	assert.Equal(t, []protocol.OutboundKind{protocol.KindStreamEnd}, late.Kinds())
	assert.Equal(t, 3, s.Segments())
}

func TestStream_EndExactlyOnce(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	r.Subscribe(a)

	s := r.Open()
	s.Start()
	assert.True(t, s.End(protocol.MessageView{}))
	assert.False(t, s.End(protocol.MessageView{}))
	assert.False(t, s.Text("late"))
	s.Abort()
	assert.True(t, s.Closed())

	var ends int
	for _, k := range a.Kinds() {
		if k == protocol.KindStreamEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestStream_DisconnectStopsDelivery(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	b := testutil.NewRecorder("s2", "bob")
	r.Subscribe(a)
	r.Subscribe(b)

	s := r.Open()
	s.Start()
	s.Text("one")
	r.Unsubscribe("s2")
	s.Text("two")
	s.End(protocol.MessageView{})

	assert.Equal(t, []string{"one", "two"}, a.Chunks())
	assert.Equal(t, []string{"one"}, b.Chunks())
	assert.NotContains(t, b.Kinds(), protocol.KindStreamEnd)
}

func TestStream_AbortEndsWithoutMessage(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	r.Subscribe(a)

	s := r.Open()
	s.Start()
	s.Text("half")
	late := testutil.NewRecorder("s2", "bob")
	r.Subscribe(late)
	s.Abort()
	s.Abort()
	assert.False(t, s.End(protocol.MessageView{}))

	assert.Equal(t, []protocol.OutboundKind{protocol.KindStreamStart, protocol.KindChatChunk, protocol.KindStreamEnd}, a.Kinds())
	frames := a.Frames()
	end, ok := frames[len(frames)-1].(protocol.StreamEnd)
	require.True(t, ok)
	assert.Nil(t, end.FinalMessage)
	assert.Empty(t, late.Kinds(), "joiners after the start never saw the stream")
}

func TestStream_AbortBeforeStartSendsNothing(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	a := testutil.NewRecorder("s1", "alice")
	r.Subscribe(a)

	s := r.Open()
	s.Abort()
	assert.True(t, s.Closed())
	assert.Empty(t, a.Kinds())
}

func TestStream_OpenAbortsPrevious(t *testing.T) {
	r := relay.New("r1", zaptest.NewLogger(t))
	first := r.Open()
	second := r.Open()
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
}

func TestProperty_StreamOrderingIdenticalAcrossSubscribers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := relay.New("r1", zaptest.NewLogger(t))
		n := rapid.IntRange(1, 5).Draw(rt, "subs")
		recs := make([]*testutil.Recorder, n)
		for i := range recs {
			recs[i] = testutil.NewRecorder(rapid.StringMatching(`s[0-9]{3}`).Draw(rt, "id")+string(rune('a'+i)), "p")
			r.Subscribe(recs[i])
		}
		chunks := rapid.SliceOf(rapid.String()).Draw(rt, "chunks")

		s := r.Open()
		s.Start()
		for _, c := range chunks {
			s.Text(c)
		}
		s.End(protocol.MessageView{})

		for _, rec := range recs {
			got := rec.Chunks()
			if len(chunks) == 0 {
				assert.Empty(rt, got)
				continue
			}
			assert.Equal(rt, chunks, got)
			assert.Equal(rt, recs[0].Kinds(), rec.Kinds())
		}
	})
}
