package bargain

import "math/rand/v2"

// cutAmount sizes the next cut of a session. The draw is uniform over
// [minCut, min(maxCut, remaining)] from a PCG source keyed by the session
// seed and the cut's index, so a session's cut sequence is reproducible.
// When remaining is below minCut the cut takes exactly the remainder and
// lands on the target.
func cutAmount(seed uint64, index int, remaining, minCut, maxCut int64) int64 {
	if remaining <= 0 {
		return 0
	}
	if remaining < minCut {
		return remaining
	}
	upper := min(maxCut, remaining)
	if upper <= minCut {
		return minCut
	}
	r := rand.New(rand.NewPCG(seed, uint64(index)))
	return minCut + r.Int64N(upper-minCut+1)
}
