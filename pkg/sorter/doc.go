/*
Package sorter provides fair ordering strategies for allocation.

A Sorter tracks a set of named clients, credits them with allocations,
and answers Order: who should be offered resources next. The allocator
runs one sorter over roles and one per role over that role's
frameworks, so fairness is hierarchical.

Strategies register by name in package init and are selected through
New, so the two levels can run different strategies:

	s, err := sorter.New("drf", sorter.Options{})

The "drf" strategy implements weighted Dominant Resource Fairness:
each client's share is the maximum over resource dimensions of
allocated/total, divided by the client's weight, and Order is
ascending by share. "lexicographic" orders by client name, which is
mainly useful in tests and as a registry example.

Order is a strict total order in every strategy: ties break by
registration order, never by map iteration. Deactivated clients keep
their allocation but disappear from Order until reactivated.
*/
package sorter
