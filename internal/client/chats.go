package client

import (
	"sort"
	"sync"

	"github.com/roach88/tdlink/internal/event"
)

// ChatSet is the set of chat ids the engine has announced with updateNewChat.
//
// Thread-safety: all methods are safe for concurrent use.
type ChatSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewChatSet creates an empty set.
func NewChatSet() *ChatSet {
	return &ChatSet{ids: make(map[int64]struct{})}
}

// Handle records the chat carried by an updateNewChat event.
func (s *ChatSet) Handle(ev event.Event) {
	if ev.Tag != event.TagNewChat {
		return
	}
	if id, ok := ev.Int("chat", "id"); ok {
		s.Add(id)
	}
}

func (s *ChatSet) Known(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[chatID]
	return ok
}

func (s *ChatSet) Add(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[chatID] = struct{}{}
}

func (s *ChatSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IDs returns the known chat ids in ascending order.
func (s *ChatSet) IDs() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
