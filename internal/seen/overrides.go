package seen

import "github.com/matheus3301/chatsync/internal/store"

// Overrides records message ids known to be seen before the store confirms it.
// Entries are only ever added. An Overrides belongs to one conversation owner
// and is not safe for concurrent use.
type Overrides struct {
	ids map[string]struct{}
}

// NewOverrides creates an empty override map.
func NewOverrides() *Overrides {
	return &Overrides{ids: make(map[string]struct{})}
}

// MarkSeen records id as seen. Reports whether the entry is new.
func (o *Overrides) MarkSeen(id string) bool {
	if _, ok := o.ids[id]; ok {
		return false
	}
	o.ids[id] = struct{}{}
	return true
}

// Get returns Yes for recorded ids and Unknown otherwise.
func (o *Overrides) Get(id string) Flag {
	if _, ok := o.ids[id]; ok {
		return Yes
	}
	return Unknown
}

// Len returns the number of recorded ids.
func (o *Overrides) Len() int { return len(o.ids) }

// Apply merges the overrides into rows in place.
func (o *Overrides) Apply(rows []store.Message) {
	for i := range rows {
		rows[i].Seen = Merge(rows[i], o.Get(rows[i].ID), Unknown)
	}
}
