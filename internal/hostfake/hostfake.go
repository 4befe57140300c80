// Package hostfake provides an in-memory dsm.Hypervisor for tests and the
// standalone demo binary: guest memory is a plain byte slice per memslot,
// page-table access rights are tracked in a map instead of real shadow
// page tables, and scheduling is never restricted. It is a minimal,
// fully in-process stand-in for a collaborator that in production talks
// to real hardware, used only by tests and the demo binary — never by the
// protocol engine itself, which only ever sees the Hypervisor interfaces.
package hostfake

import (
	"fmt"
	"sync"

	"github.com/marmos91/dsmd/pkg/dsm"
)

// Slot identifies one fake memslot: a contiguous run of guest frames backed
// by an in-memory byte buffer.
type Slot struct {
	Base  dsm.GFN
	Pages int
	SMM   bool
}

// Memory is a fake dsm.MemoryManager plus dsm.GuestMemory: it owns the
// backing byte buffers for every registered memslot.
type Memory struct {
	mu    sync.Mutex
	slots []*memslotState
}

type memslotState struct {
	spec Slot
	data []byte
}

// New returns an empty fake memory manager.
func New() *Memory {
	return &Memory{}
}

// RegisterSlot installs a zero-filled memslot covering spec's page range.
func (m *Memory) RegisterSlot(spec Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = append(m.slots, &memslotState{
		spec: spec,
		data: make([]byte, spec.Pages*dsm.PageSize),
	})
}

// LookupMemslot implements dsm.MemoryManager.
func (m *Memory) LookupMemslot(gfn dsm.GFN, isSMM bool) (dsm.Memslot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.spec.SMM != isSMM {
			continue
		}
		if gfn >= s.spec.Base && gfn < s.spec.Base+dsm.GFN(s.spec.Pages) {
			return s, true
		}
	}
	return nil, false
}

// ReadPage implements dsm.GuestMemory.
func (m *Memory) ReadPage(slot dsm.Memslot, gfn dsm.GFN, buf []byte) error {
	s, err := asSlot(slot)
	if err != nil {
		return err
	}
	off := int(gfn-s.spec.Base) * dsm.PageSize
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+dsm.PageSize > len(s.data) {
		return fmt.Errorf("hostfake: gfn %d out of range for slot", gfn)
	}
	copy(buf, s.data[off:off+dsm.PageSize])
	return nil
}

// WritePage implements dsm.GuestMemory.
func (m *Memory) WritePage(slot dsm.Memslot, gfn dsm.GFN, buf []byte) error {
	s, err := asSlot(slot)
	if err != nil {
		return err
	}
	off := int(gfn-s.spec.Base) * dsm.PageSize
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+dsm.PageSize > len(s.data) {
		return fmt.Errorf("hostfake: gfn %d out of range for slot", gfn)
	}
	copy(s.data[off:off+dsm.PageSize], buf)
	return nil
}

func asSlot(slot dsm.Memslot) (*memslotState, error) {
	s, ok := slot.(*memslotState)
	if !ok {
		return nil, fmt.Errorf("hostfake: not a hostfake memslot: %T", slot)
	}
	return s, nil
}

// PageTable is a fake dsm.PageTable: it just records the last access mask
// applied per (gfn, smm), with no real shadow-entry zapping.
type PageTable struct {
	mu     sync.Mutex
	access map[dsm.Key]dsm.AccessMask
}

// NewPageTable returns an empty fake page table.
func NewPageTable() *PageTable {
	return &PageTable{access: make(map[dsm.Key]dsm.AccessMask)}
}

// Apply implements dsm.PageTable.
func (p *PageTable) Apply(_ dsm.Memslot, key dsm.Key, mask dsm.AccessMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mask == 0 {
		delete(p.access, key)
		return nil
	}
	p.access[key] = mask
	return nil
}

// Access returns the access mask last applied for key, or 0 if invalid.
func (p *PageTable) Access(key dsm.Key) dsm.AccessMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.access[key]
}

// Scheduling is a fake dsm.SchedulingContext that is never restricted;
// RefreshWatchdog and Relax are counted for test assertions.
type Scheduling struct {
	Restricted bool

	mu       sync.Mutex
	watchdog int
	relaxes  int
}

// InRestrictedContext implements dsm.SchedulingContext.
func (s *Scheduling) InRestrictedContext() bool { return s.Restricted }

// RefreshWatchdog implements dsm.SchedulingContext.
func (s *Scheduling) RefreshWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchdog++
}

// Relax implements dsm.SchedulingContext.
func (s *Scheduling) Relax() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relaxes++
}

// Counts returns the number of watchdog refreshes and relax calls observed
// so far, for test assertions.
func (s *Scheduling) Counts() (watchdog, relax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchdog, s.relaxes
}
