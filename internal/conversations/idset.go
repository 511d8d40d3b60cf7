package conversations

// idSet is a bounded set of ids. Once full, the oldest id is forgotten.
type idSet struct {
	items []string
	pos   int
	count int
	index map[string]struct{}
}

func newIDSet(size int) *idSet {
	return &idSet{
		items: make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

// Add inserts id and reports whether it was not already present.
func (s *idSet) Add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	if s.count == len(s.items) {
		delete(s.index, s.items[s.pos])
	} else {
		s.count++
	}
	s.items[s.pos] = id
	s.index[id] = struct{}{}
	s.pos = (s.pos + 1) % len(s.items)
	return true
}

// Has reports whether id is in the set.
func (s *idSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}
