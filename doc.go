/*
Package cmsketch provides a count-min sketch and the pieces a host needs
around it. A count-min sketch tracks the occurrences of a very large
number of distinct keys using a relatively small, fixed amount of space.
The resulting counts are estimates that can only err upwards: a query
never reports less than the true count of a key.

The core type, Sketch, works on explicit per-row column indices and
never hashes. Counter pairs a Sketch with a Hasher for keyed use, and
RollingCounter and RollupCounter track rates over time-bucketed Counters.
*/
package cmsketch
