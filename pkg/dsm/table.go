package dsm

import "sync"

// Table is a node's page table: one Page record per (gfn, isSMM) covered by
// an installed memslot. It uses a two-tier locking pattern — globalMu
// guards the map itself (insertion and removal on memslot changes), while
// each Page's own mu guards its fields.
type Table struct {
	globalMu sync.RWMutex
	pages    map[Key]*Page
}

// NewTable returns an empty page table.
func NewTable() *Table {
	return &Table{pages: make(map[Key]*Page)}
}

// Install creates a page record for key if one does not already exist,
// called when a memslot covering it is installed. Returns the (possibly
// pre-existing) record.
func (t *Table) Install(key Key) *Page {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()

	if p, ok := t.pages[key]; ok {
		return p
	}
	p := NewPage()
	t.pages[key] = p
	return p
}

// Remove destroys the page record for key, called when the covering
// memslot is removed.
func (t *Table) Remove(key Key) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	delete(t.pages, key)
}

// Lookup returns the page record for key, or nil if no memslot covers it.
func (t *Table) Lookup(key Key) *Page {
	t.globalMu.RLock()
	defer t.globalMu.RUnlock()
	return t.pages[key]
}

// LookupOrInstall returns the existing record for key, creating one if
// necessary. Used by the fault resolver and request server, which both
// expect a page record to exist for any key a memslot currently covers.
func (t *Table) LookupOrInstall(key Key) *Page {
	t.globalMu.RLock()
	p, ok := t.pages[key]
	t.globalMu.RUnlock()
	if ok {
		return p
	}
	return t.Install(key)
}

// Len returns the number of page records currently installed.
func (t *Table) Len() int {
	t.globalMu.RLock()
	defer t.globalMu.RUnlock()
	return len(t.pages)
}

// Snapshot returns a copy of (key, page) pairs for inspection through the
// /dsm/pages endpoint that "dsmd pages" polls. It takes each page's lock briefly to read a consistent view of its
// fields; callers must not rely on the whole snapshot being consistent with
// itself across pages.
type PageSnapshot struct {
	Key       Key
	State     State
	Version   uint64
	ProbOwner NodeID
	Copyset   []NodeID
}

func (t *Table) Snapshot() []PageSnapshot {
	t.globalMu.RLock()
	keys := make([]Key, 0, len(t.pages))
	pages := make([]*Page, 0, len(t.pages))
	for k, p := range t.pages {
		keys = append(keys, k)
		pages = append(pages, p)
	}
	t.globalMu.RUnlock()

	out := make([]PageSnapshot, len(keys))
	for i, p := range pages {
		p.Lock()
		out[i] = PageSnapshot{
			Key:       keys[i],
			State:     p.State(),
			Version:   p.Version(),
			ProbOwner: p.ProbOwner(),
			Copyset:   p.Copyset().Members(),
		}
		p.Unlock()
	}
	return out
}
