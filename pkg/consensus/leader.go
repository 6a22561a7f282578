package consensus

// LeaderElector yields the single peer allowed to propose in a round.
type LeaderElector interface{ LeaderOf(round uint64) string }

type RoundRobinElector struct{ IDs []string }

func (r RoundRobinElector) LeaderOf(round uint64) string {
	if len(r.IDs) == 0 {
		return "unknown"
	}
	return r.IDs[round%uint64(len(r.IDs))]
}

// FixedElector always picks the same peer, as a single-leader shard does.
type FixedElector string

func (f FixedElector) LeaderOf(uint64) string { return string(f) }
