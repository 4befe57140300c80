package dsm

import "runtime"

// watchdogInterval is how many INV sends elapse between watchdog pokes
// while multicasting an invalidation.
const watchdogInterval = 64

// Invalidate multicasts an INVALIDATE to every node in cs other than self,
// waiting for each one's ACK before moving to the next. It must remain safe
// to call while holding a per-page lock in a context that cannot sleep: the
// restricted-context check happens once up front, and every send after that
// uses the non-blocking transport path if restricted holds. It holds the
// local page's fast-path lock in shared mode while sending.
//
// On the first transport error it aborts and returns the error; the caller
// must then treat the write fault that triggered it as failed, leaving
// local state untouched for the page.
func (n *Node) Invalidate(key Key, cs *Copyset, version uint64) error {
	restricted := n.Hyp.Scheduling != nil && n.Hyp.Scheduling.InRestrictedContext()

	if page := n.Table.Lookup(key); page != nil {
		page.FastPathRLock()
		defer page.FastPathRUnlock()
	}

	sent := 0
	var outerErr error
	cs.Iter(func(peer NodeID) {
		if outerErr != nil || peer == n.self {
			return
		}

		req := OutgoingRequest{
			Type:      ReqKindInvalidate,
			Requester: n.self,
			Sender:    n.self,
			Key:       key,
			Version:   version,
		}

		_, err := n.Transport.Do(peer, req, restricted)
		if err != nil {
			n.metrics.InvalidateSent(false)
			outerErr = err
			return
		}
		n.metrics.InvalidateSent(true)

		sent++
		if sent%watchdogInterval == 0 {
			if n.Hyp.Scheduling != nil {
				n.Hyp.Scheduling.RefreshWatchdog()
			}
			if restricted {
				if n.Hyp.Scheduling != nil {
					n.Hyp.Scheduling.Relax()
				} else {
					runtime.Gosched()
				}
			} else {
				runtime.Gosched()
			}
		}
	})

	return outerErr
}
