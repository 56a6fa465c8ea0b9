package paging

import "strings"

// Comparator is the dual-slot overlay for diff and merge work. Merge
// reasoning needs both sides resident at once, so LoadPair may push L1 past
// its budget for the lifetime of the overlay; PurgePair restores the normal
// invariant.
type Comparator struct {
	pager *Pager
}

// NewComparator wraps a pager with the overlay operations.
func NewComparator(pager *Pager) *Comparator {
	return &Comparator{pager: pager}
}

// LoadPair evicts every non-system page from L1 and forcibly inserts both
// sides at top priority, even past the token budget. Returns false only when
// the pair alone exceeds the physical capacity.
func (c *Comparator) LoadPair(idA, contentA, idB, contentB string) bool {
	p := c.pager
	p.mu.Lock()
	defer p.mu.Unlock()

	idA = fileID(idA)
	idB = fileID(idB)

	costA := p.counter.Count(contentA)
	costB := p.counter.Count(contentB)
	if costA+costB > p.capacity {
		return false
	}

	for id, page := range p.l1 {
		if strings.HasPrefix(id, NamespaceSys) {
			continue
		}
		delete(p.l1, id)
		p.l2[id] = page
	}

	for _, side := range []struct {
		id, content string
		cost        int
	}{{idA, contentA, costA}, {idB, contentB, costB}} {
		delete(p.l2, side.id)
		p.l1[side.id] = &Page{
			ID:               side.id,
			Content:          side.content,
			TokenCost:        side.cost,
			LastAccessedTurn: p.turn,
			Priority:         MaxPriority,
			TTL:              DefaultTTL,
		}
	}
	return true
}

// PurgePair evicts every FILE page from L1 unconditionally, ending the
// overlay.
func (c *Comparator) PurgePair() {
	p := c.pager
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, page := range p.l1 {
		if strings.HasPrefix(id, NamespaceFile) {
			delete(p.l1, id)
			p.l2[id] = page
		}
	}
}

func fileID(id string) string {
	if strings.HasPrefix(id, NamespaceFile) || strings.HasPrefix(id, NamespaceSys) ||
		strings.HasPrefix(id, NamespaceArtifact) {
		return id
	}
	return NamespaceFile + id
}
