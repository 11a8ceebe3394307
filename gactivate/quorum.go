package gactivate

// QuorumPolicy decides whether accepted acknowledgements out of total nodes
// are enough to commit a version.
//
// A policy must be monotonic in accepted:
// if it holds for some count, it must hold for every larger count.
// The round only evaluates the policy over counts,
// so any monotonic policy gives the same outcome regardless of reply order.
type QuorumPolicy func(accepted, total int) bool

// Majority requires strictly more than half of the nodes.
// It is the default policy when none is supplied.
func Majority(accepted, total int) bool {
	return accepted*2 > total
}

// AtLeast returns a policy requiring n acknowledgements,
// capped at the size of the node set.
func AtLeast(n int) QuorumPolicy {
	return func(accepted, total int) bool {
		return accepted >= min(n, total)
	}
}

// All requires every node in the set to acknowledge.
func All(accepted, total int) bool {
	return accepted == total
}
