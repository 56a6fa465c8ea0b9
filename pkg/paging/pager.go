// Package paging implements the tiered context memory: a token-bounded L1
// working set, an unbounded L2 staging tier, and archival into the sidecar's
// vector index as L3. The Pager exclusively owns pages; callers hold ids.
package paging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/B-A-M-N/amnesic/pkg/observability"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
	"github.com/B-A-M-N/amnesic/pkg/tokenizer"
)

// Page id namespaces. SYS pages are pinned system context, FILE pages mirror
// workspace files, ARTIFACT pages carry distilled facts.
const (
	NamespaceSys      = "SYS:"
	NamespaceFile     = "FILE:"
	NamespaceArtifact = "ARTIFACT:"
)

const (
	// DefaultTTL is the number of unaccessed turns before a non-pinned L1
	// page is demoted to L2.
	DefaultTTL = 8

	// DefaultPriority applies to pages admitted without an explicit rank.
	DefaultPriority = 5

	// PrefetchPriority applies to pages staged into L2 ahead of need,
	// including L3 recalls.
	PrefetchPriority = 3

	// MaxPriority is the top of the priority scale.
	MaxPriority = 10

	archiveTierKey = "tier"
	archiveTierL3  = "l3"
)

// Page is one named unit of cached text.
type Page struct {
	ID               string
	Content          string
	TokenCost        int
	LastAccessedTurn int
	Priority         int
	Pinned           bool
	TTL              int
}

func (p *Page) clone() *Page {
	cp := *p
	return &cp
}

// evictionScore ranks eviction candidates. Each priority rank is worth ten
// turns of recency, so hot high-priority pages persist through thrash but
// still age out when stale. Lowest score is evicted first.
func (p *Page) evictionScore() int {
	return p.Priority*10 + p.LastAccessedTurn
}

// Stats is the point-in-time tier census.
type Stats struct {
	L1Used     int `json:"l1_used"`
	L1Capacity int `json:"l1_capacity"`
	L1Count    int `json:"l1_count"`
	L2Count    int `json:"l2_count"`
	L3Count    int `json:"l3_count"`
}

// Pager is the tiered memory manager. All public operations hold the mutex,
// so the L1 budget invariant is observable only between operations.
type Pager struct {
	mu       sync.Mutex
	counter  *tokenizer.Counter
	side     *sidecar.Sidecar
	capacity int
	turn     int
	ttlOff   bool
	l1       map[string]*Page
	l2       map[string]*Page
}

// NewPager builds a pager with the given L1 token budget. The sidecar is
// optional; without it L3 operations are no-ops.
func NewPager(capacity int, counter *tokenizer.Counter, side *sidecar.Sidecar) *Pager {
	if counter == nil {
		counter = tokenizer.NewCounter("")
	}
	return &Pager{
		counter:  counter,
		side:     side,
		capacity: capacity,
		l1:       make(map[string]*Page),
		l2:       make(map[string]*Page),
	}
}

// Pin loads or overwrites a page that capacity governance may never evict.
func (p *Pager) Pin(id, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := p.counter.Count(content)
	if cost > p.capacity {
		return protocol.NewError(protocol.KindCapacityExceeded, id,
			"pinned page costs %d tokens, capacity is %d", cost, p.capacity)
	}

	// Overwriting: drop the old incarnation everywhere first.
	delete(p.l2, id)
	prior := p.l1[id]
	delete(p.l1, id)

	if !p.makeRoomLocked(cost) {
		if prior != nil {
			p.l1[id] = prior
		}
		return protocol.NewError(protocol.KindCapacityExceeded, id,
			"cannot free enough L1 budget for pinned page")
	}

	p.l1[id] = &Page{
		ID:               id,
		Content:          content,
		TokenCost:        cost,
		LastAccessedTurn: p.turn,
		Priority:         MaxPriority,
		Pinned:           true,
		TTL:              DefaultTTL,
	}
	return nil
}

// RequestAccess is the hit path. An L1 hit refreshes recency, bumps priority
// monotonically and optionally overwrites content. An L2 hit promotes. A miss
// creates the page from content if provided. Returns false only when the page
// cannot be admitted to L1 even after evicting every non-pinned page.
func (p *Pager) RequestAccess(id, content string, priority int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if priority <= 0 {
		priority = DefaultPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	if page, ok := p.l1[id]; ok {
		page.LastAccessedTurn = p.turn
		page.TTL = DefaultTTL
		if priority > page.Priority {
			page.Priority = priority
		}
		if content != "" && content != page.Content {
			newCost := p.counter.Count(content)
			delta := newCost - page.TokenCost
			if delta > 0 {
				delete(p.l1, id)
				if !p.makeRoomLocked(newCost) {
					p.l1[id] = page
					return false
				}
				p.l1[id] = page
			}
			page.Content = content
			page.TokenCost = newCost
		}
		return true
	}

	if page, ok := p.l2[id]; ok {
		if content != "" {
			page.Content = content
			page.TokenCost = p.counter.Count(content)
		}
		if !p.makeRoomLocked(page.TokenCost) {
			return false
		}
		delete(p.l2, id)
		page.LastAccessedTurn = p.turn
		page.TTL = DefaultTTL
		if priority > page.Priority {
			page.Priority = priority
		}
		p.l1[id] = page
		return true
	}

	if content == "" {
		return false
	}

	cost := p.counter.Count(content)
	if !p.makeRoomLocked(cost) {
		return false
	}
	p.l1[id] = &Page{
		ID:               id,
		Content:          content,
		TokenCost:        cost,
		LastAccessedTurn: p.turn,
		Priority:         priority,
		TTL:              DefaultTTL,
	}
	return true
}

// Prefetch stages a page in L2 without promoting it. No-op when the id is
// already resident in L1; an existing L2 page is overwritten.
func (p *Pager) Prefetch(id, content string, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.l1[id]; ok {
		return
	}
	if priority <= 0 {
		priority = PrefetchPriority
	}
	p.l2[id] = &Page{
		ID:               id,
		Content:          content,
		TokenCost:        p.counter.Count(content),
		LastAccessedTurn: p.turn,
		Priority:         priority,
		TTL:              DefaultTTL,
	}
}

// EvictToL2 demotes a page explicitly. Pinned pages are never moved.
func (p *Pager) EvictToL2(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	page, ok := p.l1[id]
	if !ok {
		return
	}
	if page.Pinned {
		slog.Warn("Refusing to evict pinned page", "page", id)
		return
	}
	delete(p.l1, id)
	p.l2[id] = page
}

// ArchiveToL3 hands the page to the sidecar's vector index and removes it
// from the resident tiers. No-op without a sidecar.
func (p *Pager) ArchiveToL3(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.side == nil {
		return nil
	}

	page, ok := p.l1[id]
	if !ok {
		page, ok = p.l2[id]
	}
	if !ok {
		return protocol.NewError(protocol.KindNotFound, id, "page not resident")
	}

	err := p.side.Ingest(ctx, id, page.Content, "page", map[string]string{archiveTierKey: archiveTierL3})
	if err != nil {
		return protocol.WrapError(protocol.KindIOFailure, id, err)
	}
	delete(p.l1, id)
	delete(p.l2, id)
	return nil
}

// RecallFromL3 runs a semantic search over the archive and rehydrates the
// matches into L2. Never directly into L1, to avoid thrashing the working
// set on a speculative recall.
func (p *Pager) RecallFromL3(ctx context.Context, query string, k int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.side == nil {
		return nil, nil
	}

	matches, err := p.side.QuerySemantic(ctx, query, k)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindIOFailure, query, err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Key)
		if _, resident := p.l1[m.Key]; resident {
			continue
		}
		p.l2[m.Key] = &Page{
			ID:               m.Key,
			Content:          m.Content,
			TokenCost:        p.counter.Count(m.Content),
			LastAccessedTurn: p.turn,
			Priority:         PrefetchPriority,
			TTL:              DefaultTTL,
		}
	}
	return ids, nil
}

// Tick advances the turn counter, ages TTLs and runs capacity governance.
// Called exactly once per decision turn.
func (p *Pager) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.turn++

	if !p.ttlOff {
		for id, page := range p.l1 {
			if page.Pinned {
				continue
			}
			page.TTL--
			if page.TTL <= 0 {
				delete(p.l1, id)
				p.l2[id] = page
			}
		}
	}

	// Capacity may have shrunk since the last tick (elastic resize).
	for p.l1UsedLocked() > p.capacity {
		if !p.evictLowestLocked() {
			break
		}
	}
}

// RenderL1 produces the concatenated working-set view: pinned pages first,
// then by descending priority, each framed by a === id === header.
func (p *Pager) RenderL1() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := make([]*Page, 0, len(p.l1))
	for _, page := range p.l1 {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Pinned != pages[j].Pinned {
			return pages[i].Pinned
		}
		if pages[i].Priority != pages[j].Priority {
			return pages[i].Priority > pages[j].Priority
		}
		return pages[i].ID < pages[j].ID
	})

	var b strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", page.ID, page.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Stats reports the tier census. L3 counts archived pages known to the
// sidecar.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		L1Used:     p.l1UsedLocked(),
		L1Capacity: p.capacity,
		L1Count:    len(p.l1),
		L2Count:    len(p.l2),
	}
	if p.side != nil {
		for _, e := range p.side.Entries() {
			if e.Metadata[archiveTierKey] == archiveTierL3 {
				s.L3Count++
			}
		}
	}
	return s
}

// CurrentTurn returns the tick counter.
func (p *Pager) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

// Capacity returns the L1 token budget.
func (p *Pager) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// SetCapacity changes the L1 budget. Shrinking does not evict immediately;
// the next Tick brings the tier back under budget.
func (p *Pager) SetCapacity(capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = capacity
}

// SetTTLDemotion toggles TTL aging on Tick. The manual eviction strategy
// turns it off so pages only move when a tool says so.
func (p *Pager) SetTTLDemotion(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttlOff = !enabled
}

// InL1 reports residency in the working set.
func (p *Pager) InL1(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.l1[id]
	return ok
}

// InL2 reports residency in staging.
func (p *Pager) InL2(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.l2[id]
	return ok
}

// L1IDs returns the working-set ids, sorted.
func (p *Pager) L1IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.l1)
}

// L2IDs returns the staging-tier ids, sorted.
func (p *Pager) L2IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.l2)
}

// PageContent returns the content of a resident page, either tier.
func (p *Pager) PageContent(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if page, ok := p.l1[id]; ok {
		return page.Content, true
	}
	if page, ok := p.l2[id]; ok {
		return page.Content, true
	}
	return "", false
}

// EvictionCandidate names the page capacity governance would demote next.
// Used to tell the agent which page blocks a failed admission.
func (p *Pager) EvictionCandidate() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var victim *Page
	for _, page := range p.l1 {
		if page.Pinned {
			continue
		}
		if victim == nil || page.evictionScore() < victim.evictionScore() ||
			(page.evictionScore() == victim.evictionScore() && page.ID < victim.ID) {
			victim = page
		}
	}
	if victim == nil {
		return "", false
	}
	return victim.ID, true
}

// Remove drops a page from the resident tiers entirely. Used by session
// housekeeping to garbage-collect pages whose backing files vanished.
func (p *Pager) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.l1, id)
	delete(p.l2, id)
}

// l1UsedLocked sums the working-set token cost. Caller holds the mutex.
func (p *Pager) l1UsedLocked() int {
	used := 0
	for _, page := range p.l1 {
		used += page.TokenCost
	}
	return used
}

// makeRoomLocked frees L1 budget for a page of the given cost. Refuses pages
// larger than the whole budget, then evicts minimum-scored non-pinned pages
// until the new page fits. Caller holds the mutex.
func (p *Pager) makeRoomLocked(required int) bool {
	if required > p.capacity {
		return false
	}
	for p.l1UsedLocked()+required > p.capacity {
		if !p.evictLowestLocked() {
			return false
		}
	}
	return true
}

// evictLowestLocked demotes the minimum-scored non-pinned L1 page to L2.
// Caller holds the mutex.
func (p *Pager) evictLowestLocked() bool {
	var victim *Page
	for _, page := range p.l1 {
		if page.Pinned {
			continue
		}
		if victim == nil || page.evictionScore() < victim.evictionScore() ||
			(page.evictionScore() == victim.evictionScore() && page.ID < victim.ID) {
			victim = page
		}
	}
	if victim == nil {
		return false
	}
	delete(p.l1, victim.ID)
	p.l2[victim.ID] = victim
	observability.GetGlobalMetrics().RecordEviction(context.Background(), 1)
	return true
}

func sortedKeys(m map[string]*Page) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
