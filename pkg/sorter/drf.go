package sorter

import (
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

func init() {
	Register("drf", NewDRF)
}

// drfClient is the per-client bookkeeping. Quantities are tracked
// incrementally on every Allocated/Unallocated, so computing a share
// is O(dimensions) and never walks the allocation.
type drfClient struct {
	weight     float64
	active     bool
	seq        uint64
	allocation resources.Resources
	quantities resources.Quantities
}

// drfSorter orders clients by dominant share (Ghodsi et al., NSDI
// 2011): the largest fraction of any single resource dimension a
// client holds, normalized by weight. The client with the smallest
// dominant share goes first; ties break by registration order, which
// the ordered client map preserves.
type drfSorter struct {
	clients  *orderedmap.OrderedMap[string, *drfClient]
	excluded map[string]struct{}
	total    resources.Quantities
	nextSeq  uint64
}

// NewDRF builds a DRF sorter.
func NewDRF(opts Options) Sorter {
	excluded := make(map[string]struct{}, len(opts.ExcludedNames))
	for _, name := range opts.ExcludedNames {
		excluded[name] = struct{}{}
	}
	return &drfSorter{
		clients:  orderedmap.NewOrderedMap[string, *drfClient](),
		excluded: excluded,
		total:    make(resources.Quantities),
	}
}

func (s *drfSorter) Add(client string, weight float64) error {
	if _, ok := s.clients.Get(client); ok {
		return types.Duplicatef("sorter client %q", client)
	}
	if weight <= 0 {
		weight = 1.0
	}
	s.nextSeq++
	s.clients.Set(client, &drfClient{
		weight:     weight,
		active:     true,
		seq:        s.nextSeq,
		quantities: make(resources.Quantities),
	})
	return nil
}

func (s *drfSorter) Remove(client string) error {
	if _, ok := s.clients.Get(client); !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	s.clients.Delete(client)
	return nil
}

func (s *drfSorter) Activate(client string) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.active = true
	return nil
}

func (s *drfSorter) Deactivate(client string) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.active = false
	return nil
}

func (s *drfSorter) Allocated(client string, rs resources.Resources) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	c.allocation = c.allocation.Plus(rs)
	c.quantities = c.quantities.Plus(rs.Quantities())
	return nil
}

func (s *drfSorter) Unallocated(client string, rs resources.Resources) error {
	c, ok := s.clients.Get(client)
	if !ok {
		return types.NotFoundf("sorter client %q", client)
	}
	rest, err := c.allocation.Minus(rs)
	if err != nil {
		return types.Validationf("sorter client %q: %v", client, err)
	}
	c.allocation = rest
	c.quantities = c.quantities.Shortfall(rs.Quantities())
	return nil
}

func (s *drfSorter) Allocation(client string) resources.Resources {
	c, ok := s.clients.Get(client)
	if !ok {
		return nil
	}
	return c.allocation
}

func (s *drfSorter) UpdateTotal(total resources.Quantities) {
	s.total = total.Copy()
}

// dominantShare is the sort key: max over dimensions of
// allocated/total, divided by the client's weight. A client holding
// nothing has share zero and therefore sorts first among its peers.
func (s *drfSorter) dominantShare(c *drfClient) float64 {
	var share float64
	for name, qty := range c.quantities {
		if _, ok := s.excluded[name]; ok {
			continue
		}
		total := s.total[name]
		if total <= 0 {
			continue
		}
		if frac := float64(qty) / float64(total); frac > share {
			share = frac
		}
	}
	return share / c.weight
}

func (s *drfSorter) Order() []string {
	type ranked struct {
		name  string
		share float64
		seq   uint64
	}
	var order []ranked
	for el := s.clients.Front(); el != nil; el = el.Next() {
		if el.Value.active {
			order = append(order, ranked{el.Key, s.dominantShare(el.Value), el.Value.seq})
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].share != order[j].share {
			return order[i].share < order[j].share
		}
		return order[i].seq < order[j].seq
	})
	out := make([]string, len(order))
	for i, r := range order {
		out[i] = r.name
	}
	return out
}

func (s *drfSorter) Contains(client string) bool {
	_, ok := s.clients.Get(client)
	return ok
}

func (s *drfSorter) Count() int {
	return s.clients.Len()
}
