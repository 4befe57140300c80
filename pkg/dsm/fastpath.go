package dsm

// TryFastPath is the lock-free admission path for faults that
// the local state already resolves without any message. It returns true iff
// the local state admits the requested access (Modified for a write fault,
// any readable state for a read fault).
//
// On a true return the fast-path lock is held in shared mode; the caller is
// responsible for releasing it once the hypervisor has installed the
// mapping, which is what prevents a concurrent invalidation from zapping
// the mapping between the decision and the installation.
func (p *Page) TryFastPath(write bool) bool {
	p.FastPathRLock()

	if admits(p, write) {
		// Keep the shared lock held; caller releases after installing
		// access rights. This is the double-checked half of the
		// double-checked-locking discipline: the invalidation handler can
		// only mutate state while holding the lock exclusively, so once we
		// observe admission under the shared lock it cannot be revoked
		// until we release it.
		return true
	}

	p.FastPathRUnlock()
	return false
}

func admits(p *Page, write bool) bool {
	if write {
		return p.IsModified()
	}
	return p.IsReadable()
}
