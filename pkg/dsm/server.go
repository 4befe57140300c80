package dsm

// HandleRequest is the server-side request handler. It is
// called by a connection's dispatch loop (owned by the transport layer, out
// of scope here) once per inbound request, and returns the response to send
// back to the requester.
//
// For READ and WRITE it acquires the page's lock, serializing every
// non-INVALIDATE transaction for that page. For INVALIDATE it deliberately
// does not: only the owner sends INV, and the owner already serializes its
// own sends through its own page lock, so taking the lock here would
// deadlock against a forwarded request still waiting on it. After a
// successful READ or WRITE it clears the local copyset: this node has just
// ceased to be the page's owner (copyset is scratch on a non-owner anyway),
// and leaving it populated would make the page look like a second owner.
func (n *Node) HandleRequest(memslot Memslot, req OutgoingRequest) (resp *IncomingResponse, err error) {
	end := n.tracer.StartTransaction(req.Type, req.Key.GFN, req.Key.IsSMM)
	defer func() { end(err) }()

	if n.Stopped() {
		return nil, ErrStopped
	}

	if !n.restricted() {
		n.maybeJitter()
	}

	key := req.Key
	page := n.Table.LookupOrInstall(key)

	switch req.Type {
	case ReqKindInvalidate:
		return n.handleInvalidate(page, req)
	case ReqKindRead:
		page.Lock()
		resp, err := n.handleRead(memslot, key, page, req)
		if err == nil {
			page.Copyset().ClearAll()
		}
		page.Unlock()
		return resp, err
	case ReqKindWrite:
		page.Lock()
		resp, err := n.handleWrite(memslot, key, page, req)
		if err == nil {
			page.Copyset().ClearAll()
		}
		page.Unlock()
		return resp, err
	default:
		raiseInvariant("unknown request type")
		return nil, nil // unreachable
	}
}

// handleInvalidate handles an inbound INVALIDATE. It does not take page.Lock();
// it takes fastPathLock exclusively instead, which is what actually
// serializes it against the lock-free fast path.
func (n *Node) handleInvalidate(page *Page, req OutgoingRequest) (*IncomingResponse, error) {
	if page.Pinned() {
		// Caller (the connection dispatch loop) is expected to yield and
		// re-enter dispatch for the same request.
		return nil, ErrWouldBlock
	}

	if page.IsModified() {
		raiseInvariant("owner received INVALIDATE while OWNER|MODIFIED")
	}

	page.FastPathLock()
	page.SetState(Invalid)
	page.FastPathUnlock()

	if err := n.Hyp.PageTable.Apply(nil, req.Key, 0); err != nil {
		return nil, err
	}

	page.Lock()
	page.SetProbOwner(req.Sender)
	page.Copyset().ClearAll()
	page.Unlock()

	return &IncomingResponse{Payload: []byte{1}}, nil
}

// handleRead handles an inbound READ. Caller holds page.Lock().
func (n *Node) handleRead(memslot Memslot, key Key, page *Page, req OutgoingRequest) (*IncomingResponse, error) {
	if page.PinnedRead() {
		return nil, ErrWouldBlock
	}

	var (
		invCopyset Copyset
		version    uint64
		payload    []byte
	)

	switch {
	case page.IsOwner():
		invCopyset.CopyFrom(page.Copyset())
		version = page.Version()

		buf := n.getRespBuf()
		defer n.putRespBuf(buf)
		if err := n.Hyp.GuestMem.ReadPage(memslot, key.GFN, buf.page[:]); err != nil {
			return nil, err
		}
		diff, err := n.encodeDiffFor(key, req.Requester, buf.page[:])
		if err != nil {
			return nil, err
		}
		payload = diff

		// The requester becomes the new owner; this node drops out of
		// ownership but keeps its own readable copy (plain SHARED, not
		// OWNER|SHARED — the OWNER flag now belongs to req.Requester).
		page.SetProbOwner(req.Requester)
		page.SetState(Shared)

	case page.IsInitial() && n.self == 0:
		version = page.Version()
		buf := n.getRespBuf()
		defer n.putRespBuf(buf)
		if err := n.Hyp.GuestMem.ReadPage(memslot, key.GFN, buf.page[:]); err != nil {
			return nil, err
		}
		diff, err := n.encodeDiffFor(key, req.Requester, buf.page[:])
		if err != nil {
			return nil, err
		}
		payload = diff

		// Node 0 stays readable after serving the zero page, so the
		// requester's copyset must record node 0 alongside itself.
		invCopyset.Add(n.self)

		page.SetProbOwner(req.Requester)
		page.SetState(Shared)

	default:
		resp, err := n.Transport.Do(page.ProbOwner(), OutgoingRequest{
			Type:      ReqKindRead,
			Requester: req.Requester,
			Sender:    n.self,
			Key:       key,
			Version:   req.Version,
		}, n.restricted())
		if err != nil {
			return nil, err
		}
		n.metrics.RequestForwarded(ReqKindRead)

		invCopyset = resp.InvCopyset
		version = resp.Version
		payload = resp.Payload

		page.SetProbOwner(req.Requester)
	}

	return &IncomingResponse{InvCopyset: invCopyset, Version: version, Payload: payload}, nil
}

// handleWrite handles an inbound WRITE. Caller holds page.Lock().
func (n *Node) handleWrite(memslot Memslot, key Key, page *Page, req OutgoingRequest) (*IncomingResponse, error) {
	if page.PinnedRead() {
		return nil, ErrWouldBlock
	}

	var (
		invCopyset Copyset
		version    uint64
		payload    []byte
	)

	switch {
	case page.IsOwner():
		invCopyset.CopyFrom(page.Copyset())
		invCopyset.Clear(req.Requester)
		version = page.Version()

		buf := n.getRespBuf()
		defer n.putRespBuf(buf)
		if err := n.Hyp.GuestMem.ReadPage(memslot, key.GFN, buf.page[:]); err != nil {
			return nil, err
		}
		diff, err := n.encodeDiffFor(key, req.Requester, buf.page[:])
		if err != nil {
			return nil, err
		}
		payload = diff

		page.SetState(Invalid)
		if err := n.Hyp.PageTable.Apply(memslot, key, 0); err != nil {
			return nil, err
		}
		page.SetProbOwner(req.Requester)

	case page.IsInitial() && n.self == 0:
		version = page.Version()
		buf := n.getRespBuf()
		defer n.putRespBuf(buf)
		if err := n.Hyp.GuestMem.ReadPage(memslot, key.GFN, buf.page[:]); err != nil {
			return nil, err
		}
		diff, err := n.encodeDiffFor(key, req.Requester, buf.page[:])
		if err != nil {
			return nil, err
		}
		payload = diff

		page.SetProbOwner(req.Requester)
		page.SetState(Invalid)

	default:
		resp, err := n.Transport.Do(page.ProbOwner(), OutgoingRequest{
			Type:      ReqKindWrite,
			Requester: req.Requester,
			Sender:    n.self,
			Key:       key,
			Version:   req.Version,
		}, n.restricted())
		if err != nil {
			return nil, err
		}
		n.metrics.RequestForwarded(ReqKindWrite)

		invCopyset = resp.InvCopyset
		version = resp.Version
		payload = resp.Payload

		page.SetState(Invalid)
		if err := n.Hyp.PageTable.Apply(memslot, key, 0); err != nil {
			return nil, err
		}
		page.SetProbOwner(req.Requester)
		invCopyset.Clear(req.Requester)
	}

	return &IncomingResponse{InvCopyset: invCopyset, Version: version, Payload: payload}, nil
}

// encodeDiffFor produces the outgoing diff payload for recipient and, when
// a TwinStore is set, stores page as the page's twin. The default codec
// (internal/diffcodec) does not read stored twins when encoding.
func (n *Node) encodeDiffFor(key Key, recipient NodeID, page []byte) ([]byte, error) {
	out := make([]byte, PageSize)
	l, err := n.Hyp.Diff.Encode(key, recipient, page, out)
	if err != nil {
		return nil, err
	}
	if n.TwinStore != nil {
		if err := n.TwinStore.Store(key, page); err != nil {
			return nil, err
		}
	}
	return out[:l], nil
}
