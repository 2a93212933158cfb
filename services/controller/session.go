package controller

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tbc/native/escrow"
	"tbc/protocol/tgp"
)

// Session is the controller's record of one negotiation, from QUERY to the
// final settlement.
type Session struct {
	ID        string
	QueryID   string
	OfferID   string
	Query     tgp.Query
	Offer     tgp.Offer
	Bound     bool
	EscrowID  escrow.OrderID
	ReceiptID string
	State     escrow.EscrowState
	Layer8Tx  string
	Closed    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// sessionEntry guards one session. Settlement handling holds mu for the whole
// bridge round trip so reports for a session are applied one at a time.
type sessionEntry struct {
	mu sync.Mutex
	s  Session
}

type sessionRegistry struct {
	mu       sync.RWMutex
	byKey    map[string]*sessionEntry
	byEscrow map[escrow.OrderID]*sessionEntry
	count    int
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byKey:    make(map[string]*sessionEntry),
		byEscrow: make(map[escrow.OrderID]*sessionEntry),
	}
}

// register records the session for an offer, indexed by query, offer and
// session id, and returns the number of sessions tracked. The three ids share
// one namespace, so a query whose ids collide with another session is
// refused. Repeating a query refreshes its offer until an escrow is bound;
// after that only an identical query is accepted.
func (r *sessionRegistry) register(q *tgp.Query, offer *tgp.Offer, sessionID string, now time.Time) (int, error) {
	r.mu.Lock()
	entry, ok := r.byKey[q.ID]
	switch {
	case ok && entry.s.QueryID != q.ID:
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s is a correlation id of session %s", ErrSessionConflict, q.ID, entry.s.ID)
	case !ok:
		for _, key := range []string{offer.ID, sessionID} {
			if other, taken := r.byKey[key]; taken {
				r.mu.Unlock()
				return 0, fmt.Errorf("%w: %s is a correlation id of session %s", ErrSessionConflict, key, other.s.ID)
			}
		}
		entry = &sessionEntry{s: Session{ID: sessionID, QueryID: q.ID, CreatedAt: now}}
		r.byKey[q.ID] = entry
		r.byKey[offer.ID] = entry
		r.byKey[sessionID] = entry
		r.count++
	}
	total := r.count
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.s.Bound && !sameQuery(&entry.s.Query, q) {
		return 0, fmt.Errorf("%w: session %s is bound to escrow %s", ErrSessionConflict, entry.s.ID, entry.s.EscrowID)
	}
	entry.s.OfferID = offer.ID
	entry.s.Query = *q
	entry.s.Offer = *offer
	entry.s.Query.EscrowContractFrom402 = cloneString(q.EscrowContractFrom402)
	entry.s.UpdatedAt = now
	return total, nil
}

func sameQuery(a, b *tgp.Query) bool {
	if (a.EscrowContractFrom402 == nil) != (b.EscrowContractFrom402 == nil) {
		return false
	}
	if a.EscrowContractFrom402 != nil && *a.EscrowContractFrom402 != *b.EscrowContractFrom402 {
		return false
	}
	return a.ID == b.ID && a.From == b.From && a.To == b.To && a.Asset == b.Asset &&
		a.Amount == b.Amount && a.EscrowFrom402 == b.EscrowFrom402 && a.ZkProfile == b.ZkProfile
}

func (r *sessionRegistry) lookup(key string) *sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[key]
}

func (r *sessionRegistry) bind(entry *sessionEntry, id escrow.OrderID) {
	r.mu.Lock()
	r.byEscrow[id] = entry
	r.mu.Unlock()
}

func (r *sessionRegistry) byEscrowID(id escrow.OrderID) *sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byEscrow[id]
}

// entries returns every distinct session ordered by session id.
func (r *sessionRegistry) entries() []*sessionEntry {
	r.mu.RLock()
	seen := make(map[*sessionEntry]struct{}, len(r.byKey)/3+1)
	out := make([]*sessionEntry, 0, len(r.byKey)/3+1)
	for _, entry := range r.byKey {
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	r.mu.RUnlock()
	// ID is fixed before the entry is published.
	sort.Slice(out, func(i, j int) bool { return out[i].s.ID < out[j].s.ID })
	return out
}

func (e *sessionEntry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}
