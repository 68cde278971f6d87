package speaker

// LockPair and ShardFor expose the striped locking internals so tests can
// pick profile IDs with known shard collisions.
func (r *Resolver) LockPair(a, b string) func() { return r.lockPair(a, b) }

func (r *Resolver) ShardFor(profileID string) uint32 { return r.shardFor(profileID) }
