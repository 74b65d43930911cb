package ecat

// Index answers lookups over a built Layout. It never mutates the layout
// and is safe for concurrent readers.
type Index struct {
	layout *Layout
}

// NewIndex wraps layout. A nil layout yields an empty index.
func NewIndex(layout *Layout) *Index {
	if layout == nil {
		layout = &Layout{}
	}
	return &Index{layout: layout}
}

// Lookup returns the first mapping in space whose address equals addr.
func (ix *Index) Lookup(space Space, addr Address) (Mapping, bool) {
	for _, m := range ix.layout.Entries(space) {
		if m.Device == addr.Device && m.Index == addr.Index && m.SubIndex == addr.SubIndex {
			return m, true
		}
	}
	return Mapping{}, false
}

// All returns the mappings of space in discovery order.
// The returned slice is shared and must not be modified.
func (ix *Index) All(space Space) []Mapping {
	return ix.layout.Entries(space)
}

// Len returns the number of mappings in space.
func (ix *Index) Len(space Space) int {
	return len(ix.layout.Entries(space))
}
