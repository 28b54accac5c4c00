package sorter

import (
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

func init() {
	Register("lexicographic", NewLexicographic)
}

// lexClient tracks allocation only; lexicographic order ignores it.
type lexClient struct {
	active     bool
	allocation resources.Resources
}

// lexSorter orders active clients by name. It exists to prove the
// strategy seam and as a cheap deterministic choice for tests and
// single-role clusters where fairness does not matter.
type lexSorter struct {
	clients *orderedmap.OrderedMap[string, *lexClient]
}

// NewLexicographic builds a name-ordered sorter.
func NewLexicographic(Options) Sorter {
	return &lexSorter{clients: orderedmap.NewOrderedMap[string, *lexClient]()}
}

func (s *lexSorter) Add(client string, weight float64) error {
	if _, ok := s.clients.Get(client); ok {
		return types.Duplicatef("sorter client %q", client)
	}
	s.clients.Set(client, &lexClient{active: true})
	return nil
}

func (s *lexSorter) Remove(client string) error {
	if !s.clients.Delete(client) {
		return types.NotFoundf("sorter client %q", client)
	}
	return nil
}

func (s *lexSorter) Activate(client string) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.active = true
	return nil
}

func (s *lexSorter) Deactivate(client string) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.active = false
	return nil
}

func (s *lexSorter) Allocated(client string, rs resources.Resources) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.allocation = c.allocation.Plus(rs)
	return nil
}

func (s *lexSorter) Unallocated(client string, rs resources.Resources) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	rest, err := c.allocation.Minus(rs)
	if err != nil {
		return types.Validationf("sorter client %q: %v", client, err)
	}
	c.allocation = rest
	return nil
}

func (s *lexSorter) Allocation(client string) resources.Resources {
	c, ok := s.clients.Get(client)
	if !ok {
		return nil
	}
	return c.allocation
}

func (s *lexSorter) UpdateTotal(resources.Quantities) {}

func (s *lexSorter) Order() []string {
	var out []string
	for el := s.clients.Front(); el != nil; el = el.Next() {
		if el.Value.active {
			out = append(out, el.Key)
		}
	}
	sort.Strings(out)
	return out
}

func (s *lexSorter) Contains(client string) bool {
	_, ok := s.clients.Get(client)
	return ok
}

func (s *lexSorter) Count() int {
	return s.clients.Len()
}
