// Package diffcodec is the default implementation of dsm.DiffCodec and
// dsm.TwinStore. It keeps a per-(page, recipient) reference copy ("twin")
// of the last page image sent to each peer, for bookkeeping and future
// reuse by a smarter codec, and compresses outgoing page transfers with a
// run-length encoding of each page's zero-filled regions — self-contained,
// since the decode side only ever sees the diff bytes and an output
// buffer, never the twin. A page that does not compress well is sent in
// full, tagged as such.
//
// The two-tier locking (a package-level map guarded by a RWMutex, with
// per-key state behind its own mutex) is the same pattern used by
// pkg/dsm.Table for the page table, applied here to twin images instead
// of pages.
package diffcodec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/marmos91/dsmd/pkg/dsm"
)

// twinKey identifies one stored reference image: a page, scoped to the
// specific peer it was last sent to (the owner keeps a
// twin "for msg_sender", since different readers may be at different
// versions).
type twinKey struct {
	gfn       dsm.GFN
	isSMM     bool
	recipient dsm.NodeID
}

// Store is an in-memory dsm.TwinStore/dsm.DiffCodec. The zero value is
// ready to use.
type Store struct {
	globalMu sync.RWMutex
	twins    map[twinKey][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{twins: make(map[twinKey][]byte)}
}

// Store implements dsm.TwinStore.Store. It is called from the client-side
// fault resolver with no particular peer in mind (a node stores the page it
// just received so it can later serve diffs once it becomes owner), so it
// is filed as the page's baseline twin under selfSlot, not under any
// recipient. Encode does not read any twin, so a stored twin never changes
// what Encode produces.
func (s *Store) Store(key dsm.Key, page []byte) error {
	if len(page) != dsm.PageSize {
		return fmt.Errorf("diffcodec: page must be %d bytes, got %d", dsm.PageSize, len(page))
	}
	cp := make([]byte, len(page))
	copy(cp, page)

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.twins[twinKey{gfn: key.GFN, isSMM: key.IsSMM, recipient: selfSlot}] = cp
	return nil
}

// selfSlot is the recipient key under which Store files its generic
// baseline twin, distinct from any real dsm.NodeID.
const selfSlot dsm.NodeID = -1

// Fetch implements dsm.TwinStore.Fetch, returning the baseline twin stored
// by Store regardless of recipient; per-recipient twins are tracked
// separately by Encode below.
func (s *Store) Fetch(key dsm.Key, _ dsm.NodeID) ([]byte, bool) {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	p, ok := s.twins[twinKey{gfn: key.GFN, isSMM: key.IsSMM, recipient: selfSlot}]
	return p, ok
}

// Evict implements dsm.TwinStore.Evict, dropping every twin recorded for
// the page (the baseline and every per-recipient diff twin).
func (s *Store) Evict(key dsm.Key) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	for k := range s.twins {
		if k.gfn == key.GFN && k.isSMM == key.IsSMM {
			delete(s.twins, k)
		}
	}
}

// Encode implements dsm.DiffCodec.Encode. On success it also records page
// as the twin on file for recipient.
func (s *Store) Encode(key dsm.Key, recipient dsm.NodeID, page []byte, out []byte) (int, error) {
	if len(page) != dsm.PageSize {
		return 0, fmt.Errorf("diffcodec: page must be %d bytes, got %d", dsm.PageSize, len(page))
	}

	k := twinKey{gfn: key.GFN, isSMM: key.IsSMM, recipient: recipient}

	n, err := encodeRLE(page, out)
	if err != nil {
		return 0, err
	}

	cp := make([]byte, len(page))
	copy(cp, page)
	s.globalMu.Lock()
	s.twins[k] = cp
	s.globalMu.Unlock()

	return n, nil
}

// Decode implements dsm.DiffCodec.Decode.
func (s *Store) Decode(key dsm.Key, diff []byte, page []byte) error {
	if len(page) != dsm.PageSize {
		return fmt.Errorf("diffcodec: page buffer must be %d bytes, got %d", dsm.PageSize, len(page))
	}
	if len(diff) == 0 {
		return fmt.Errorf("diffcodec: empty diff")
	}

	switch diffTag(diff[0]) {
	case tagFull:
		if len(diff) != 1+dsm.PageSize {
			return fmt.Errorf("diffcodec: malformed full-page diff: %d bytes", len(diff))
		}
		copy(page, diff[1:])
		return nil
	case tagRLE:
		return decodeRLE(diff[1:], page)
	default:
		return fmt.Errorf("diffcodec: unknown diff tag %d", diff[0])
	}
}

type diffTag byte

const (
	tagFull diffTag = 0
	tagRLE  diffTag = 1
)

func encodeFull(page []byte, out []byte) (int, error) {
	if len(out) < 1+len(page) {
		return 0, fmt.Errorf("diffcodec: output buffer too small for full page")
	}
	out[0] = byte(tagFull)
	copy(out[1:], page)
	return 1 + len(page), nil
}

// encodeRLE run-length-encodes page on its own:
// runs of zero bytes are collapsed to a 3-byte run
// marker, runs of non-zero bytes are emitted as a 3-byte length prefix
// followed by the literal bytes. Falls back to a full-page encode if the
// compressed form does not end up smaller.
//
// This intentionally does not XOR against the stored twin: the decode side
// of dsm.DiffCodec receives only the diff and an output buffer, never the
// twin, so any encoding the decoder can reverse has to be self-contained.
// Real delta compression against a twin needs the decoding side to already
// hold that twin's bytes (e.g. because the hypervisor's page-table revoke
// only removes the mapping, not the physical page contents); wiring that
// through is the hypervisor layer's job, out of scope here. What this does
// compress well is the zero-filled regions a freshly faulted-in page
// typically has, which is the common case node 0's initial pages exercise.
func encodeRLE(page []byte, out []byte) (int, error) {
	pos := 1
	out[0] = byte(tagRLE)
	i := 0
	for i < len(page) {
		zero := page[i] == 0
		j := i
		for j < len(page) && (page[j] == 0) == zero {
			j++
		}
		runLen := j - i

		for runLen > 0 {
			chunk := runLen
			if chunk > 0xFFFF {
				chunk = 0xFFFF
			}
			if pos+3 > len(out) {
				return encodeFull(page, out)
			}
			if zero {
				out[pos] = 0
			} else {
				out[pos] = 1
			}
			binary.BigEndian.PutUint16(out[pos+1:], uint16(chunk))
			pos += 3
			if !zero {
				if pos+chunk > len(out) {
					return encodeFull(page, out)
				}
				copy(out[pos:], page[i:i+chunk])
				pos += chunk
			}
			i += chunk
			runLen -= chunk
		}
	}

	if pos >= 1+len(page) {
		return encodeFull(page, out)
	}
	return pos, nil
}

func decodeRLE(diff []byte, page []byte) error {
	pos := 0
	i := 0
	for pos < len(diff) {
		if pos+3 > len(diff) {
			return fmt.Errorf("diffcodec: truncated run header")
		}
		zero := diff[pos] == 0
		runLen := int(binary.BigEndian.Uint16(diff[pos+1:]))
		pos += 3

		if i+runLen > len(page) {
			return fmt.Errorf("diffcodec: run overruns page")
		}

		if zero {
			for k := 0; k < runLen; k++ {
				page[i+k] = 0
			}
		} else {
			if pos+runLen > len(diff) {
				return fmt.Errorf("diffcodec: truncated run literal")
			}
			copy(page[i:i+runLen], diff[pos:pos+runLen])
			pos += runLen
		}
		i += runLen
	}
	if i != len(page) {
		return fmt.Errorf("diffcodec: diff covers %d of %d bytes", i, len(page))
	}
	return nil
}
