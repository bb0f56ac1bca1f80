package discovery

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

var ErrNotEnoughCandidates = errors.New("discovery: not enough candidates")

// SelectOptions tunes SelectPeers. The zero value uses a random source and
// three spread windows.
type SelectOptions struct {
	Rand   *rand.Rand
	Spread int
}

// SelectPeers picks numNodes candidates. A negative entryPoint samples
// uniformly, 0..100 takes a contiguous window centred at that percentile
// and anything above 100 unions windows spread evenly across the list.
// candidates must already be in directory order.
func SelectPeers(numNodes, entryPoint int, candidates []string, opts SelectOptions) ([]string, error) {
	n := len(candidates)
	if numNodes <= 0 || numNodes > n {
		return []string{}, fmt.Errorf("%w: want %d of %d", ErrNotEnoughCandidates, numNodes, n)
	}

	switch {
	case entryPoint < 0:
		return sample(numNodes, candidates, opts.Rand), nil
	case entryPoint <= 100:
		return window(numNodes, entryPoint, candidates), nil
	default:
		return spread(numNodes, candidates, opts.Spread), nil
	}
}

func sample(numNodes int, candidates []string, rng *rand.Rand) []string {
	var perm []int
	if rng != nil {
		perm = rng.Perm(len(candidates))
	} else {
		perm = rand.Perm(len(candidates))
	}
	out := make([]string, 0, numNodes)
	for _, idx := range perm[:numNodes] {
		out = append(out, candidates[idx])
	}
	return out
}

// window returns numNodes consecutive candidates around the entryPoint
// percentile. Even counts lean right of the centre. The window is shifted,
// never shrunk, to stay in range.
func window(numNodes, entryPoint int, candidates []string) []string {
	n := len(candidates)
	start := int(math.Round(float64(n) * float64(entryPoint) / 100))
	if start > n-1 {
		start = n - 1
	}
	deviation := (numNodes - 1) / 2
	left, right := deviation, deviation
	if numNodes%2 == 0 {
		right++
	}

	lo, hi := start-left, start+right
	if lo < 0 {
		hi -= lo
		lo = 0
	}
	if hi > n-1 {
		lo -= hi - (n - 1)
		hi = n - 1
	}
	if lo < 0 {
		lo = 0
	}
	out := make([]string, hi-lo+1)
	copy(out, candidates[lo:hi+1])
	return out
}

func spread(numNodes int, candidates []string, windows int) []string {
	if windows <= 0 {
		windows = 3
	}
	seen := make(map[string]struct{}, numNodes*windows)
	out := make([]string, 0, numNodes*windows)
	for i := 0; i < windows; i++ {
		entry := 50
		if windows > 1 {
			entry = i * 100 / (windows - 1)
		}
		for _, c := range window(numNodes, entry, candidates) {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
