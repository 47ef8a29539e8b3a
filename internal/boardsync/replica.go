package boardsync

import (
	"sort"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

// Replica is one client's copy of a board. Every change stamps the touched
// ids with a revision from a local clock; revisions outlive removals so a
// rollback can tell whether something newer happened to the entity.
type Replica struct {
	mu        sync.RWMutex
	boardID   string
	sections  map[string]domain.Section
	cards     map[string]domain.Card
	clock     uint64
	revisions map[string]uint64
	arrivals  map[string]uint64
}

// Snapshot is an ordered copy of a replica.
type Snapshot struct {
	BoardID  string
	Sections []domain.Section
	// Cards maps a section id to its cards in display order.
	Cards map[string][]domain.Card
}

func NewReplica(boardID string) *Replica {
	return &Replica{
		boardID:   boardID,
		sections:  make(map[string]domain.Section),
		cards:     make(map[string]domain.Card),
		revisions: make(map[string]uint64),
		arrivals:  make(map[string]uint64),
	}
}

func (r *Replica) BoardID() string {
	return r.boardID
}

// Load replaces the content of the replica. Cards of unknown sections are
// skipped and their count returned.
func (r *Replica) Load(sections []domain.Section, cards []domain.Card) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.sections {
		r.stampLocked(id)
	}
	for id := range r.cards {
		r.stampLocked(id)
	}
	r.sections = make(map[string]domain.Section, len(sections))
	r.cards = make(map[string]domain.Card, len(cards))
	r.arrivals = make(map[string]uint64)

	for _, s := range sections {
		r.putSectionLocked(s)
	}
	skipped := 0
	for _, c := range cards {
		if _, ok := r.sections[c.SectionID]; !ok {
			skipped++
			continue
		}
		r.putCardLocked(c)
	}
	return skipped
}

func (r *Replica) Section(id string) (domain.Section, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sections[id]
	return s, ok
}

func (r *Replica) Card(id string) (domain.Card, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[id]
	return c, ok
}

// Revision returns the revision of the last change to id, or 0.
func (r *Replica) Revision(id string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revisions[id]
}

// Sections returns the sections ordered by Order, ties by arrival.
func (r *Replica) Sections() []domain.Section {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sectionsLocked()
}

// Cards returns the cards of a section ordered by Order, ties by arrival.
func (r *Replica) Cards(sectionID string) []domain.Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cardsLocked(sectionID)
}

func (r *Replica) CardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cards)
}

func (r *Replica) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		BoardID:  r.boardID,
		Sections: r.sectionsLocked(),
		Cards:    make(map[string][]domain.Card, len(r.sections)),
	}
	for _, s := range snap.Sections {
		snap.Cards[s.ID] = r.cardsLocked(s.ID)
	}
	return snap
}

// PutSection inserts or replaces a section.
func (r *Replica) PutSection(s domain.Section) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putSectionLocked(s)
}

// PutCard inserts or replaces a card. The card's section must be known.
func (r *Replica) PutCard(c domain.Card) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sections[c.SectionID]; !ok {
		return 0, ErrSyncConflict
	}
	return r.putCardLocked(c), nil
}

// UpdateCard replaces a card that is already known.
func (r *Replica) UpdateCard(c domain.Card) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[c.ID]; !ok {
		return 0, ErrSyncConflict
	}
	if _, ok := r.sections[c.SectionID]; !ok {
		return 0, ErrSyncConflict
	}
	return r.putCardLocked(c), nil
}

func (r *Replica) RemoveCard(id string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[id]; !ok {
		return 0, ErrSyncConflict
	}
	delete(r.cards, id)
	delete(r.arrivals, id)
	return r.stampLocked(id), nil
}

// RemoveSection removes a section together with every card that references
// it and returns the removed cards.
func (r *Replica) RemoveSection(id string) ([]domain.Card, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sections[id]; !ok {
		return nil, 0, ErrSyncConflict
	}

	removed := r.cardsLocked(id)
	ids := make([]string, 0, len(removed)+1)
	ids = append(ids, id)
	for _, c := range removed {
		delete(r.cards, c.ID)
		delete(r.arrivals, c.ID)
		ids = append(ids, c.ID)
	}
	delete(r.sections, id)
	delete(r.arrivals, id)
	return removed, r.stampLocked(ids...), nil
}

// RestoreCard undoes a local change made at revision rev. prev is the card
// before the change; existed is false when the change created it. Nothing
// happens when a newer change touched the card.
func (r *Replica) RestoreCard(prev domain.Card, existed bool, rev uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revisions[prev.ID] != rev {
		return false
	}
	if !existed {
		delete(r.cards, prev.ID)
		delete(r.arrivals, prev.ID)
		r.stampLocked(prev.ID)
		return true
	}
	if _, ok := r.sections[prev.SectionID]; !ok {
		return false
	}
	r.putCardLocked(prev)
	return true
}

// RestoreSection puts back a section removed at revision rev along with the
// cards that no newer change touched.
func (r *Replica) RestoreSection(s domain.Section, cards []domain.Card, rev uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revisions[s.ID] != rev {
		return false
	}
	r.putSectionLocked(s)
	for _, c := range cards {
		if r.revisions[c.ID] == rev {
			r.putCardLocked(c)
		}
	}
	return true
}

// EndOrder is the order of a card dropped at the end of a section: one past
// the largest order there, or 0 when the section is empty.
func (r *Replica) EndOrder(sectionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endOrderLocked(sectionID)
}

// DropOrder is the order of a card dropped onto dropOnCardID in sectionID.
// An empty drop target means the end of the section.
func (r *Replica) DropOrder(sectionID, dropOnCardID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sections[sectionID]; !ok {
		return 0, ErrUnknownSection
	}
	if dropOnCardID == "" {
		return r.endOrderLocked(sectionID), nil
	}
	target, ok := r.cards[dropOnCardID]
	if !ok || target.SectionID != sectionID {
		return 0, ErrUnknownCard
	}
	return target.Order, nil
}

func (r *Replica) endOrderLocked(sectionID string) int {
	next := 0
	for _, c := range r.cards {
		if c.SectionID == sectionID && c.Order+1 > next {
			next = c.Order + 1
		}
	}
	return next
}

func (r *Replica) putSectionLocked(s domain.Section) uint64 {
	prev, existed := r.sections[s.ID]
	r.sections[s.ID] = s
	rev := r.stampLocked(s.ID)
	if !existed || prev.Order != s.Order {
		r.arrivals[s.ID] = rev
	}
	return rev
}

// putCardLocked stores c. A card that changes position arrives anew, so it
// sorts after the siblings that already hold its order.
func (r *Replica) putCardLocked(c domain.Card) uint64 {
	prev, existed := r.cards[c.ID]
	r.cards[c.ID] = c
	rev := r.stampLocked(c.ID)
	if !existed || prev.SectionID != c.SectionID || prev.Order != c.Order {
		r.arrivals[c.ID] = rev
	}
	return rev
}

func (r *Replica) stampLocked(ids ...string) uint64 {
	r.clock++
	for _, id := range ids {
		r.revisions[id] = r.clock
	}
	return r.clock
}

func (r *Replica) sectionsLocked() []domain.Section {
	out := make([]domain.Section, 0, len(r.sections))
	for _, s := range r.sections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return r.arrivals[out[i].ID] < r.arrivals[out[j].ID]
	})
	return out
}

func (r *Replica) cardsLocked(sectionID string) []domain.Card {
	out := make([]domain.Card, 0)
	for _, c := range r.cards {
		if c.SectionID == sectionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return r.arrivals[out[i].ID] < r.arrivals[out[j].ID]
	})
	return out
}
