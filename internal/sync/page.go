package sync

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/store"
)

// Cursor tracks how far back a conversation has been loaded.
type Cursor struct {
	OldestLoadedID string
	HasMoreOlder   bool
}

// page is the loaded window of a conversation, newest first.
type page []store.Message

func (p page) index(id string) int {
	for i := range p {
		if p[i].ID == id {
			return i
		}
	}
	return -1
}

// upsert applies m with the store's rules: an existing row only gains seen,
// except a pending row which the first confirmed copy replaces.
func (p page) upsert(m store.Message) page {
	i := p.index(m.ID)
	if i < 0 {
		return append(p, m)
	}
	cur := p[i]
	if cur.Pending && !m.Pending {
		m.Seen = m.Seen || cur.Seen
		p[i] = m
		return p
	}
	if m.Seen && !cur.Seen {
		p[i].Seen = true
	}
	return p
}

func (p page) markSeen(id string) bool {
	i := p.index(id)
	if i < 0 || p[i].Seen {
		return false
	}
	p[i].Seen = true
	return true
}

func (p page) sort() {
	sort.SliceStable(p, func(i, j int) bool { return p[j].Before(p[i]) })
}

// oldest returns the last row in page order, or nil when empty.
func (p page) oldest() *store.Message {
	if len(p) == 0 {
		return nil
	}
	m := p[len(p)-1]
	return &m
}
