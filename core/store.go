package core

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"opencritique/core/types"
	"opencritique/crypto"
	"opencritique/native/bounty"
)

var (
	// ErrWorkNotFound is returned when the referenced work does not exist.
	ErrWorkNotFound = errors.New("store: work not found")
	// ErrCritiqueNotFound is returned when the referenced critique does not
	// exist on the work.
	ErrCritiqueNotFound = errors.New("store: critique not found")
	// ErrNotAuthorized is returned when the caller is not permitted to mutate
	// the record.
	ErrNotAuthorized = errors.New("store: caller not authorized")
	// ErrInvalidInput is returned for blank or anonymous submissions.
	ErrInvalidInput = errors.New("store: invalid input")
)

type addrKey [crypto.AddressLength]byte

func keyOf(a crypto.Address) addrKey {
	var k addrKey
	copy(k[:], a.Bytes())
	return k
}

// Store is the in-memory content store holding works, critiques, critic
// points and the per-work bounty records. All access is serialized through a
// single mutex; each public method is one synchronous step.
type Store struct {
	mu        sync.Mutex
	works     map[uint64]*types.Work
	critiques map[uint64][]*types.Critique
	bounties  map[uint64]*bounty.WorkBounty
	points    map[addrKey]uint64
	nextWork  uint64
	nowFn     func() int64
}

// NewStore creates an empty content store.
func NewStore() *Store {
	return &Store{
		works:     make(map[uint64]*types.Work),
		critiques: make(map[uint64][]*types.Critique),
		bounties:  make(map[uint64]*bounty.WorkBounty),
		points:    make(map[addrKey]uint64),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for record timestamps. Primarily
// intended for tests.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// CreateWork registers a new work and returns its assigned identifier.
func (s *Store) CreateWork(title, description, mediaURL string, author crypto.Address) (*types.Work, error) {
	title = strings.TrimSpace(title)
	if title == "" || author.IsZero() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWork
	s.nextWork++
	work := &types.Work{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(description),
		MediaURL:    strings.TrimSpace(mediaURL),
		Author:      author,
		CreatedAt:   s.nowFn(),
	}
	s.works[id] = work
	return work.Clone(), nil
}

// GetWork returns a copy of the work, or false when absent.
func (s *Store) GetWork(id uint64) (*types.Work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[id]
	if !ok {
		return nil, false
	}
	return work.Clone(), true
}

// ListWorks returns every stored work sorted by identifier.
func (s *Store) ListWorks() []*types.Work {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Work, 0, len(s.works))
	for _, work := range s.works {
		out = append(out, work.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteWork removes a work together with its critiques and any bounty
// record. Only the author may delete.
func (s *Store) DeleteWork(id uint64, caller crypto.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[id]
	if !ok {
		return ErrWorkNotFound
	}
	if caller.IsZero() || !caller.Equal(work.Author) {
		return ErrNotAuthorized
	}
	delete(s.works, id)
	delete(s.critiques, id)
	delete(s.bounties, id)
	return nil
}

// PostCritique attaches a critique to a work. Critique identifiers are a
// per-work sequence starting at zero.
func (s *Store) PostCritique(workID uint64, critic crypto.Address, text string) (*types.Critique, error) {
	text = strings.TrimSpace(text)
	if text == "" || critic.IsZero() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[workID]; !ok {
		return nil, ErrWorkNotFound
	}
	critique := &types.Critique{
		ID:        uint64(len(s.critiques[workID])),
		WorkID:    workID,
		Critic:    critic,
		Text:      text,
		CreatedAt: s.nowFn(),
	}
	s.critiques[workID] = append(s.critiques[workID], critique)
	return critique.Clone(), nil
}

// ListCritiques returns the critiques posted on a work in posting order. A
// missing work yields an empty list.
func (s *Store) ListCritiques(workID uint64) []*types.Critique {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.critiques[workID]
	out := make([]*types.Critique, 0, len(stored))
	for _, critique := range stored {
		out = append(out, critique.Clone())
	}
	return out
}

// UpvoteCritique increments a critique's upvote count and credits the critic
// one reputation point. Voters may not upvote their own critiques.
func (s *Store) UpvoteCritique(workID, critiqueID uint64, voter crypto.Address) (*types.Critique, error) {
	if voter.IsZero() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[workID]; !ok {
		return nil, ErrWorkNotFound
	}
	stored := s.critiques[workID]
	if critiqueID >= uint64(len(stored)) {
		return nil, ErrCritiqueNotFound
	}
	critique := stored[critiqueID]
	if voter.Equal(critique.Critic) {
		return nil, ErrNotAuthorized
	}
	critique.Upvotes++
	s.points[keyOf(critique.Critic)]++
	return critique.Clone(), nil
}

// Points reports the reputation points accrued by an identity.
func (s *Store) Points(addr crypto.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points[keyOf(addr)]
}

// WorkOwner returns the author of a work, or false when the work is absent.
func (s *Store) WorkOwner(workID uint64) (crypto.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[workID]
	if !ok {
		return crypto.Address{}, false
	}
	return work.Author, true
}

// ResolveCritique returns the identity behind a critique on a work, or false
// when either is absent.
func (s *Store) ResolveCritique(workID, critiqueID uint64) (crypto.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.critiques[workID]
	if critiqueID >= uint64(len(stored)) {
		return crypto.Address{}, false
	}
	return stored[critiqueID].Critic, true
}

// CritiqueCount reports how many critiques a work has accrued.
func (s *Store) CritiqueCount(workID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.critiques[workID])
}

// BountyGet returns a copy of the bounty record for a work, or false when
// absent.
func (s *Store) BountyGet(workID uint64) (*bounty.WorkBounty, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.bounties[workID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// BountyPut stores a sanitized copy of the bounty record. The owning work
// must exist.
func (s *Store) BountyPut(workID uint64, record *bounty.WorkBounty) error {
	sanitized, err := bounty.SanitizeBounty(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[workID]; !ok {
		return ErrWorkNotFound
	}
	s.bounties[workID] = sanitized
	return nil
}

// BountyClear removes the bounty record for a work. Clearing an absent record
// is a no-op.
func (s *Store) BountyClear(workID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bounties, workID)
	return nil
}

// BountiesByOwner lists the bounty records attached to works authored by
// owner.
func (s *Store) BountiesByOwner(owner crypto.Address) []bounty.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bounty.Entry
	for id, work := range s.works {
		if !work.Author.Equal(owner) {
			continue
		}
		record, ok := s.bounties[id]
		if !ok {
			continue
		}
		out = append(out, bounty.Entry{WorkID: id, Bounty: record.Clone()})
	}
	return out
}
