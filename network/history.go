package network

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/google/uuid"
)

// history is the bounded record of recently seen broadcast GUIDs. A frame
// whose GUID is already present is dropped without dispatch or rebroadcast.
type history struct {
	cache *lru.Cache
}

func newHistory(size int) *history {
	cache, err := lru.New(size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &history{cache: cache}
}

// seen reports whether id has been recorded and is still in the window.
func (h *history) seen(id uuid.UUID) bool {
	return h.cache.Contains(id)
}

// record remembers id, evicting the stalest entry once the window is full.
func (h *history) record(id uuid.UUID) {
	h.cache.Add(id, struct{}{})
}
