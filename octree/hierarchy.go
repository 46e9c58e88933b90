package octree

import (
	"go.viam.com/pcstream/utils"
)

// An Entry is a node with known point data.
type Entry struct {
	PointCount int64
	// Offset and Length locate the point data in the dataset file. Formats storing one file
	// per node leave them zero.
	Offset int64
	Length int64
}

// A Page points at a nested hierarchy blob. Formats storing one blob per subtree root leave
// the fields zero.
type Page struct {
	Offset int64
	Length int64
}

// A Hierarchy is one parsed hierarchy blob. A key is either an entry or a page, never both.
type Hierarchy struct {
	Entries map[Key]Entry
	Pages   map[Key]Page
}

// NewHierarchy returns an empty hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{Entries: map[Key]Entry{}, Pages: map[Key]Page{}}
}

// AddEntry records e for key.
func (h *Hierarchy) AddEntry(key Key, e Entry) error {
	if err := h.checkFree(key); err != nil {
		return err
	}
	if e.PointCount < 0 {
		return utils.NewMalformedFormatErrorf("hierarchy", "entry %s has negative point count %d", key, e.PointCount)
	}
	h.Entries[key] = e
	return nil
}

// AddPage records p for key.
func (h *Hierarchy) AddPage(key Key, p Page) error {
	if err := h.checkFree(key); err != nil {
		return err
	}
	h.Pages[key] = p
	return nil
}

func (h *Hierarchy) checkFree(key Key) error {
	if _, ok := h.Entries[key]; ok {
		return utils.NewMalformedFormatErrorf("hierarchy", "key %s appears twice", key)
	}
	if _, ok := h.Pages[key]; ok {
		return utils.NewMalformedFormatErrorf("hierarchy", "key %s appears twice", key)
	}
	return nil
}

// materialize records the entry of the unresolved node n from h and creates, breadth first,
// every descendant reachable through entries of h. Descendants found as pages are created
// unresolved and not walked.
func (t *Tree) materialize(n *node, h *Hierarchy) error {
	t.mu.Lock()
	if n.pointCount >= 0 {
		t.mu.Unlock()
		return nil
	}
	own, ok := h.Entries[n.key]
	if !ok {
		t.mu.Unlock()
		return utils.NewHierarchyEntryNotFoundError(n.ID())
	}
	n.pointCount = own.PointCount
	n.loc.dataOffset, n.loc.dataLength = own.Offset, own.Length

	created := 0
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for i := 0; i < 8; i++ {
			key := cur.key.Child(i)
			if e, ok := h.Entries[key]; ok {
				c := cur.addChildLocked(key, e.PointCount, location{dataOffset: e.Offset, dataLength: e.Length})
				queue = append(queue, c)
				created++
			} else if p, ok := h.Pages[key]; ok {
				cur.addChildLocked(key, -1, location{pageOffset: p.Offset, pageLength: p.Length})
				created++
			}
		}
	}
	t.mu.Unlock()

	t.logger.Debugw("hierarchy resolved", "node", n.ID(), "points", own.PointCount, "created", created)
	n.setState(Resolved)
	return nil
}
