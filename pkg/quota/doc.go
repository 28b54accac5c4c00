/*
Package quota tracks per-role guarantees and limits.

A Quota promises a role a minimum amount of resources regardless of
its fair-share position, and optionally caps it with a limit. The
Ledger is pure bookkeeping over quantities: it answers how much is
promised, how much of a promise is still open, and how much room a
limit leaves, while satisfying guarantees remains the allocation
engine's job.

Satisfiability is checked eagerly: the sum of all guarantees must fit
in total cluster capacity at the time a quota is set, even though the
capacity need not be free right then.
*/
package quota
