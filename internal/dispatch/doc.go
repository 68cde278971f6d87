// Package dispatch runs stage work on named resource pools with bounded
// concurrency. Submission never blocks the caller: tasks wait in a FIFO
// queue until a pool slot frees up, and saturation in one pool leaves the
// others unaffected.
package dispatch
