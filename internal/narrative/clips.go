package narrative

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// DefaultClipCapacity is the number of clips kept when none is configured.
const DefaultClipCapacity = 64

// ErrEmptyClip is returned when there is no audio to keep.
var ErrEmptyClip = errors.New("narrative: empty audio clip")

type clipKey struct {
	room string
	id   string
}

// Clips keeps the rendered audio of non-streamed responses so clients can
// fetch it by URL. Only the most recent clips are kept; older ones are
// evicted first.
type Clips struct {
	mu    sync.Mutex
	max   int
	data  map[clipKey][]byte
	order []clipKey
}

// NewClips returns a store holding at most capacity clips. A non-positive
// capacity selects DefaultClipCapacity.
func NewClips(capacity int) *Clips {
	if capacity <= 0 {
		capacity = DefaultClipCapacity
	}
	return &Clips{max: capacity, data: make(map[clipKey][]byte)}
}

// Put stores audio for roomID.
//
// Postcondition: Returns the path the clip is served at, /audio/{room}/{clip}.
func (c *Clips) Put(roomID string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyClip
	}
	k := clipKey{room: roomID, id: uuid.NewString()}
	buf := make([]byte, len(audio))
	copy(buf, audio)

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.order) >= c.max {
		delete(c.data, c.order[0])
		c.order = c.order[1:]
	}
	c.data[k] = buf
	c.order = append(c.order, k)
	return fmt.Sprintf("/audio/%s/%s", url.PathEscape(roomID), k.id), nil
}

// Get returns the clip stored under roomID and clipID.
func (c *Clips) Get(roomID, clipID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[clipKey{room: roomID, id: clipID}]
	return data, ok
}

// Len returns the number of clips held.
func (c *Clips) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
