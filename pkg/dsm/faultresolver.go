package dsm

// PageFault is the client-side fault resolver. It is
// called when a vCPU traps on a missing access right for gfn (in the SMM
// address space if isSMM is set); it returns the access mask to install, or
// one of the sentinel errors in errors.go.
//
// memslot is opaque to this package; it is passed straight through to the
// Hypervisor collaborators.
func (n *Node) PageFault(memslot Memslot, gfn GFN, isSMM bool, write bool) (mask AccessMask, err error) {
	end := n.tracer.StartFault(gfn, isSMM, write)
	defer func() { end(err) }()

	if n.Stopped() {
		return 0, ErrStopped
	}

	key := Key{GFN: gfn, IsSMM: isSMM}
	page := n.Table.LookupOrInstall(key)

	// 1. Fast path: resolvable without any message.
	if page.TryFastPath(write) {
		mask := maskFor(write)
		if err := n.Hyp.PageTable.Apply(memslot, key, mask); err != nil {
			page.FastPathRUnlock()
			return 0, err
		}
		page.FastPathRUnlock()
		n.metrics.FaultResolved(write, true)
		return mask, nil
	}

	page.Lock()
	defer page.Unlock()

	// 2. Owner on initial zero page: only node 0 can short-circuit this way,
	// since node 0 is the implicit owner of every page's zero-filled image
	// before any fault has touched it.
	if page.IsInitial() && n.self == 0 {
		if write {
			page.SetState(Owner | Modified)
		} else {
			page.SetState(Owner | Shared)
		}
		page.Copyset().ClearAll()
		page.Copyset().Add(n.self)
		mask := maskFor(write)
		if err := n.Hyp.PageTable.Apply(memslot, key, mask); err != nil {
			return 0, err
		}
		n.metrics.FaultResolved(write, false)
		return mask, nil
	}

	if write {
		return n.resolveWriteFault(memslot, key, page)
	}
	return n.resolveReadFault(memslot, key, page)
}

func maskFor(write bool) AccessMask {
	if write {
		return AccessWrite
	}
	return AccessRead
}

// resolveWriteFault resolves a local write fault. Caller holds page.Lock().
func (n *Node) resolveWriteFault(memslot Memslot, key Key, page *Page) (AccessMask, error) {
	var diff []byte

	if page.IsOwner() {
		if err := n.Invalidate(key, page.Copyset(), page.Version()); err != nil {
			return 0, err
		}
		page.SetVersion(page.Version() + 1)
		// The page data is already resident locally; nothing to decode.
	} else {
		resp, err := n.Transport.Do(page.ProbOwner(), OutgoingRequest{
			Type:      ReqKindWrite,
			Requester: n.self,
			Sender:    n.self,
			Key:       key,
			Version:   page.Version(),
		}, n.restricted())
		if err != nil {
			return 0, err
		}

		invCopyset := resp.InvCopyset
		if err := n.Invalidate(key, &invCopyset, resp.Version); err != nil {
			return 0, err
		}

		page.SetVersion(resp.Version + 1)
		diff = resp.Payload
	}

	page.Copyset().ClearAll()
	page.Copyset().Add(n.self)

	if !page.IsOwner() || diff != nil {
		buf := n.getRespBuf()
		defer n.putRespBuf(buf)

		if diff != nil {
			if err := n.Hyp.Diff.Decode(key, diff, buf.page[:]); err != nil {
				return 0, err
			}
			if err := n.maybeStoreTwin(key, buf.page[:]); err != nil {
				return 0, err
			}
			if err := n.Hyp.GuestMem.WritePage(memslot, key.GFN, buf.page[:]); err != nil {
				return 0, err
			}
		}
	}

	page.SetState(Owner | Modified)
	page.SetProbOwner(n.self)

	if err := n.Hyp.PageTable.Apply(memslot, key, AccessWrite); err != nil {
		return 0, err
	}
	n.metrics.FaultResolved(true, false)
	return AccessWrite, nil
}

// resolveReadFault resolves a local read fault. Caller holds page.Lock(). The
// node making this call can never already be the owner: the fast path would
// have admitted an owner's read before reaching here.
func (n *Node) resolveReadFault(memslot Memslot, key Key, page *Page) (AccessMask, error) {
	resp, err := n.Transport.Do(page.ProbOwner(), OutgoingRequest{
		Type:      ReqKindRead,
		Requester: n.self,
		Sender:    n.self,
		Key:       key,
		Version:   page.Version(),
	}, n.restricted())
	if err != nil {
		return 0, err
	}

	page.SetVersion(resp.Version)
	page.Copyset().CopyFrom(&resp.InvCopyset)
	page.Copyset().Add(n.self)

	buf := n.getRespBuf()
	defer n.putRespBuf(buf)

	if err := n.Hyp.Diff.Decode(key, resp.Payload, buf.page[:]); err != nil {
		return 0, err
	}
	if err := n.Hyp.GuestMem.WritePage(memslot, key.GFN, buf.page[:]); err != nil {
		return 0, err
	}

	// Becoming the new owner on a read closes the race between fault
	// resolution and page-table installation: an invalidation racing this
	// fault now synchronizes through this node instead of being silently
	// swallowed against an already-INVALID local state.
	page.SetState(Owner | Shared)
	page.SetProbOwner(n.self)

	if err := n.Hyp.PageTable.Apply(memslot, key, AccessRead); err != nil {
		return 0, err
	}
	n.metrics.FaultResolved(false, false)
	return AccessRead, nil
}

// maybeStoreTwin keeps a copy of a newly-received page for later diff
// encoding once this node becomes the owner and must serve diffs to other
// readers or the next writer. Non-owners do not need a twin.
func (n *Node) maybeStoreTwin(key Key, page []byte) error {
	if n.TwinStore == nil {
		return nil
	}
	return n.TwinStore.Store(key, page)
}

// restricted reports whether the calling goroutine is in a context that
// must not sleep, per the scheduling collaborator.
func (n *Node) restricted() bool {
	return n.Hyp.Scheduling != nil && n.Hyp.Scheduling.InRestrictedContext()
}
