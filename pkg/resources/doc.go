/*
Package resources models cluster resources and their arithmetic.

A Resource is a named quantity in one of three representations:
scalars (cpus, mem) with three decimal digits of precision, integer
ranges (ports), and item sets (disk volumes). Resources aggregate into
a canonical Resources value: entries merged by (name, kind, role,
reservation), sorted, empties dropped. Two aggregates built from the
same content always compare Equal, whatever order they were built in.

Scalars are fixed-point milli units internally, so 0.1 + 0.2 is
exactly 0.3 and repeated add/subtract cycles cannot drift. Parsing
rejects more than three decimal digits rather than rounding silently.

Arithmetic is checked: Minus fails when the subtrahend is not fully
contained, it never clamps to zero. Callers that want partial results
use Intersect first.

The textual syntax round-trips through Parse and String:

	cpus:4;mem:4096;ports:[31000-32000];disks:{a,b}
	cpus(web):2          // statically reserved for role "web"

Reservations are role tags on the resource itself: an agent's total
carries its reserved portions inline, and ForRole/Reserved/Unreserved
slice an aggregate by offerability.
*/
package resources
