package common

import (
	"sync"

	"github.com/meshdb/meshdb-go"
)

// sessionBookmarks tracks the causal tokens a session carries forward: the
// initial set until the first transaction completes, then the bookmark of the
// most recently completed transaction.
type sessionBookmarks struct {
	mu      sync.Mutex
	current meshdb.Bookmarks
}

func newSessionBookmarks(initial meshdb.Bookmarks) *sessionBookmarks {
	return &sessionBookmarks{current: initial}
}

// get returns the bookmarks to send with the next BEGIN/RUN.
func (b *sessionBookmarks) get() meshdb.Bookmarks {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(meshdb.Bookmarks, len(b.current))
	copy(out, b.current)
	return out
}

// replace installs the bookmark of a completed transaction. Empty bookmarks
// are ignored; a rolled back transaction produces none and the previous set
// stays in effect.
func (b *sessionBookmarks) replace(bookmark string) {
	if bookmark == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = meshdb.Bookmarks{bookmark}
}
