// Package itemset keeps a conversation's items sorted by position and tracks
// the live preview of each author.
package itemset

import (
	"slices"

	"github.com/louisbranch/dicechat/internal/chat"
)

// Set is an ordered item sequence plus the author to preview map.
//
// Mutations replace the backing slice, so a slice returned by Items stays
// valid and unchanged after later inserts or removals.
type Set struct {
	items    []chat.Item
	previews map[string]chat.Preview
}

// New returns an empty set.
func New() *Set {
	return &Set{previews: make(map[string]chat.Preview)}
}

// Items returns the sequence sorted by position. Callers must not modify it.
func (s *Set) Items() []chat.Item { return s.items }

// Len returns the number of items in the sequence.
func (s *Set) Len() int { return len(s.items) }

// Preview returns the live preview of author.
func (s *Set) Preview(authorID string) (chat.Preview, bool) {
	p, ok := s.previews[authorID]
	return p, ok
}

// Previews returns a copy of the author to preview map.
func (s *Set) Previews() map[string]chat.Preview {
	out := make(map[string]chat.Preview, len(s.previews))
	for author, p := range s.previews {
		out[author] = p
	}
	return out
}

// Message returns the message item with id.
func (s *Set) Message(id string) (chat.Message, bool) {
	for i := len(s.items) - 1; i >= 0; i-- {
		if item := s.items[i]; item.Message != nil && item.ID == id {
			return *item.Message, true
		}
	}
	return chat.Message{}, false
}

// Oldest returns the first message item.
func (s *Set) Oldest() (chat.Item, bool) {
	for _, item := range s.items {
		if item.IsMessage() {
			return item, true
		}
	}
	return chat.Item{}, false
}

// Insert adds item to the sequence.
//
// A message replaces any item with its id, including its author's preview
// slot, and evicts a preview sitting at the same position. A preview replaces
// the author's previous preview; it is kept out of the sequence when a
// message already holds its position. An empty preview, or one for a message
// already in the sequence, only clears the author's slot.
func (s *Set) Insert(item chat.Item) {
	switch {
	case item.Message != nil:
		s.insertMessage(item)
	case item.Preview != nil:
		s.insertPreview(item)
	}
}

func (s *Set) insertMessage(item chat.Item) {
	items := slices.Clone(s.items)
	if p, ok := s.previews[item.AuthorID]; ok && p.ID == item.ID {
		delete(s.previews, item.AuthorID)
	}
	items = slices.DeleteFunc(items, func(existing chat.Item) bool {
		return existing.ID == item.ID
	})

	at, collision := locate(items, item)
	if collision && !items[at].IsMessage() {
		s.items = slices.Insert(slices.Delete(items, at, at+1), at, item)
		return
	}
	s.items = slices.Insert(items, insertAt(items, at, collision, item), item)
}

func (s *Set) insertPreview(item chat.Item) {
	p := *item.Preview
	items := slices.Clone(s.items)
	if old, ok := s.previews[item.AuthorID]; ok {
		items = slices.DeleteFunc(items, func(existing chat.Item) bool {
			return existing.Preview != nil && existing.ID == old.ID
		})
		delete(s.previews, item.AuthorID)
	}
	// An empty preview, or one whose message has already arrived, leaves the
	// author without a live preview.
	if p.Empty() || slices.ContainsFunc(items, func(existing chat.Item) bool {
		return existing.IsMessage() && existing.ID == item.ID
	}) {
		s.items = items
		return
	}
	s.previews[item.AuthorID] = p

	at, collision := locate(items, item)
	if collision && items[at].IsMessage() {
		s.items = items
		return
	}
	s.items = slices.Insert(items, insertAt(items, at, collision, item), item)
}

// insertAt turns a locate result into an insertion index. Items of the same
// kind sharing a position are ordered by id across the whole run.
func insertAt(items []chat.Item, at int, collision bool, item chat.Item) int {
	if !collision {
		return at + 1
	}
	start := at
	for start > 0 && items[start-1].Pos.Compare(item.Pos) == 0 {
		start--
	}
	for i := start; i <= at; i++ {
		if items[i].IsMessage() == item.IsMessage() && items[i].ID > item.ID {
			return i
		}
	}
	return at + 1
}

// locate scans from the tail for item's position. It returns the index of an
// item at the same position, or the index after which item belongs (-1 for the
// front).
func locate(items []chat.Item, item chat.Item) (int, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		switch items[i].Pos.Compare(item.Pos) {
		case 0:
			return i, true
		case -1:
			return i, false
		}
	}
	return -1, false
}

// RemoveByID removes the item with id. A removed preview also leaves the
// author map. It reports whether anything was removed.
func (s *Set) RemoveByID(id string) bool {
	removed := false
	for author, p := range s.previews {
		if p.ID == id {
			delete(s.previews, author)
			removed = true
		}
	}
	if !slices.ContainsFunc(s.items, func(existing chat.Item) bool { return existing.ID == id }) {
		return removed
	}
	s.items = slices.DeleteFunc(slices.Clone(s.items), func(existing chat.Item) bool {
		return existing.ID == id
	})
	return true
}

// RemovePreview clears author's preview slot.
func (s *Set) RemovePreview(authorID string) bool {
	p, ok := s.previews[authorID]
	if !ok {
		return false
	}
	delete(s.previews, authorID)
	s.items = slices.DeleteFunc(slices.Clone(s.items), func(existing chat.Item) bool {
		return existing.Preview != nil && existing.ID == p.ID
	})
	return true
}
