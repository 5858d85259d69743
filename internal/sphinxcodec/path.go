package sphinxcodec

import (
	"fmt"
	"math/rand"

	"github.com/dflmix/peer/internal/peerid"
)

// Path is the sequence of intermediate hops a forward packet travels
// through before reaching dest. An empty path is a direct send.
type Path struct {
	Hops []peerid.ID
	Dest peerid.ID
}

// SelectPath draws a uniformly random hop count in [0, params.MaxHops],
// then a uniformly random, duplicate-free sequence of that many
// intermediates (all of them, in random order, when fewer are usable)
// drawn from the peer set (excluding self, dest, and any id
// in avoid), mirroring the uniform per-layer draw in the corpus's
// path-selection helper. avoid lets a caller building a return path keep
// the forward message's destination out of the reply's intermediate hops,
// the way _build_path_to excludes both path endpoints. When mixing is
// disabled, or the peer set offers no usable intermediates, the path is
// direct.
func SelectPath(rng *rand.Rand, peers peerid.Table, self, dest peerid.ID, avoid []peerid.ID, params Params, mixEnabled bool) (Path, error) {
	if !mixEnabled || params.MaxHops == 0 {
		return Path{Dest: dest}, nil
	}
	excluded := make(map[peerid.ID]bool, len(avoid)+2)
	excluded[self] = true
	excluded[dest] = true
	for _, id := range avoid {
		excluded[id] = true
	}
	candidates := make([]peerid.ID, 0, len(peers))
	for id := range peers {
		if !excluded[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return Path{Dest: dest}, nil
	}
	n := rng.Intn(params.MaxHops + 1)
	if n > len(candidates) {
		n = len(candidates)
	}
	if n == 0 {
		return Path{Dest: dest}, nil
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	hops := make([]peerid.ID, n)
	copy(hops, candidates[:n])
	return Path{Hops: hops, Dest: dest}, nil
}

// fullChain returns the complete ordered list of peers a packet visits,
// intermediates followed by the destination.
func (p Path) fullChain() []peerid.ID {
	chain := make([]peerid.ID, 0, len(p.Hops)+1)
	chain = append(chain, p.Hops...)
	chain = append(chain, p.Dest)
	return chain
}

func (p Path) validate(params Params) error {
	if len(p.Hops) > params.MaxHops {
		return fmt.Errorf("sphinxcodec: path has %d hops, params allow %d", len(p.Hops), params.MaxHops)
	}
	return nil
}
