package narrative_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/vdm/internal/narrative"
)

func clipID(t *testing.T, path, roomID string) string {
	t.Helper()
	prefix := "/audio/" + roomID + "/"
	require.True(t, strings.HasPrefix(path, prefix), path)
	return strings.TrimPrefix(path, prefix)
}

func TestClips_PutGet(t *testing.T) {
	c := narrative.NewClips(2)
	audio := []byte("bell")
	path, err := c.Put("R1", audio)
	require.NoError(t, err)
	audio[0] = 'x'

	got, ok := c.Get("R1", clipID(t, path, "R1"))
	require.True(t, ok)
	assert.Equal(t, []byte("bell"), got, "the stored clip is a copy")

	_, ok = c.Get("R2", clipID(t, path, "R1"))
	assert.False(t, ok, "clips are scoped to their room")
}

func TestClips_EscapesRoomID(t *testing.T) {
	c := narrative.NewClips(1)
	path, err := c.Put("old keep", []byte("wind"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "/audio/old%20keep/"), path)
}

func TestClips_EmptyRejected(t *testing.T) {
	c := narrative.NewClips(1)
	_, err := c.Put("R1", nil)
	assert.ErrorIs(t, err, narrative.ErrEmptyClip)
	assert.Equal(t, 0, c.Len())
}

func TestClips_EvictsOldest(t *testing.T) {
	c := narrative.NewClips(2)
	first, err := c.Put("R1", []byte("one"))
	require.NoError(t, err)
	second, err := c.Put("R1", []byte("two"))
	require.NoError(t, err)
	third, err := c.Put("R1", []byte("three"))
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("R1", clipID(t, first, "R1"))
	assert.False(t, ok)
	_, ok = c.Get("R1", clipID(t, second, "R1"))
	assert.True(t, ok)
	_, ok = c.Get("R1", clipID(t, third, "R1"))
	assert.True(t, ok)
}

func TestClips_DefaultCapacity(t *testing.T) {
	c := narrative.NewClips(0)
	for i := 0; i < narrative.DefaultClipCapacity+3; i++ {
		_, err := c.Put("R1", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, narrative.DefaultClipCapacity, c.Len())
}

func TestProperty_ClipsNeverExceedCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		puts := rapid.IntRange(0, 30).Draw(rt, "puts")
		c := narrative.NewClips(capacity)
		for i := 0; i < puts; i++ {
			_, err := c.Put("R1", []byte{byte(i), 1})
			if err != nil {
				rt.Fatalf("put: %v", err)
			}
		}
		want := puts
		if want > capacity {
			want = capacity
		}
		if c.Len() != want {
			rt.Fatalf("len = %d, want %d", c.Len(), want)
		}
	})
}
