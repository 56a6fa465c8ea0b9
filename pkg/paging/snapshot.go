package paging

// PageSnapshot is the serializable form of one page.
type PageSnapshot struct {
	ID               string `json:"id"`
	Content          string `json:"content"`
	TokenCost        int    `json:"token_cost"`
	LastAccessedTurn int    `json:"last_accessed_turn"`
	Priority         int    `json:"priority"`
	Pinned           bool   `json:"pinned"`
	TTL              int    `json:"ttl"`
}

// Snapshot captures the resident tiers for checkpointing and session
// snapshot/restore. L3 lives in the sidecar and persists on its own.
type Snapshot struct {
	Turn     int            `json:"turn"`
	Capacity int            `json:"capacity"`
	L1       []PageSnapshot `json:"l1"`
	L2       []PageSnapshot `json:"l2"`
}

// Export deep-copies the resident tiers.
func (p *Pager) Export() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Turn: p.turn, Capacity: p.capacity}
	for _, id := range sortedKeys(p.l1) {
		snap.L1 = append(snap.L1, snapshotPage(p.l1[id]))
	}
	for _, id := range sortedKeys(p.l2) {
		snap.L2 = append(snap.L2, snapshotPage(p.l2[id]))
	}
	return snap
}

// Import replaces the resident tiers with the snapshot's contents. The turn
// counter is restored too, so eviction scores replay identically.
func (p *Pager) Import(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.turn = snap.Turn
	if snap.Capacity > 0 {
		p.capacity = snap.Capacity
	}
	p.l1 = make(map[string]*Page, len(snap.L1))
	p.l2 = make(map[string]*Page, len(snap.L2))
	for _, s := range snap.L1 {
		p.l1[s.ID] = restorePage(s)
	}
	for _, s := range snap.L2 {
		p.l2[s.ID] = restorePage(s)
	}
}

func snapshotPage(page *Page) PageSnapshot {
	cp := page.clone()
	return PageSnapshot{
		ID:               cp.ID,
		Content:          cp.Content,
		TokenCost:        cp.TokenCost,
		LastAccessedTurn: cp.LastAccessedTurn,
		Priority:         cp.Priority,
		Pinned:           cp.Pinned,
		TTL:              cp.TTL,
	}
}

func restorePage(s PageSnapshot) *Page {
	return &Page{
		ID:               s.ID,
		Content:          s.Content,
		TokenCost:        s.TokenCost,
		LastAccessedTurn: s.LastAccessedTurn,
		Priority:         s.Priority,
		Pinned:           s.Pinned,
		TTL:              s.TTL,
	}
}
