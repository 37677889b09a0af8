package sched

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// BalanceStrategy draws from weighted content sources. Cooldowns keep a
// source from repeating too soon, consecutive caps keep it from dominating a
// stretch, and when the constraints rule everything out they relax in a
// fixed order: the consecutive cap first, the cooldown second.
type BalanceStrategy struct {
	sources []models.BalanceSource
	reader  CollectionReader
	states  *StateStore

	mu sync.Mutex
}

// NewBalance creates a balance strategy.
func NewBalance(sources []models.BalanceSource, reader CollectionReader, states *StateStore) *BalanceStrategy {
	return &BalanceStrategy{
		sources: sources,
		reader:  reader,
		states:  states,
	}
}

// PickNext selects what plays at the given instant.
func (b *BalanceStrategy) PickNext(ctx context.Context, at time.Time) (*Pick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sources) == 0 {
		return &Pick{}, nil
	}
	keys := make([]string, len(b.sources))
	for i, src := range b.sources {
		keys[i] = src.CollectionID.String()
	}

	rng := rand.New(rand.NewSource(at.UnixNano() ^ hashKey(b.states.channelID.String())))
	candidates := b.eligibleSources(at)

	// A source whose collection turns out empty drops out and the choice
	// repeats among the rest.
	for len(candidates) > 0 {
		idx := weightedChoice(rng, candidates, b.sources)
		src := b.sources[idx]
		item, err := b.states.PickCollection(ctx, b.reader, src.CollectionID, models.OrderModeShuffle, at, 0)
		if err != nil {
			return nil, err
		}
		if item != nil {
			b.states.recordBalancePick(ctx, src.CollectionID.String(), keys, at)
			return &Pick{Item: item}, nil
		}
		candidates = withoutSource(candidates, idx)
	}
	return &Pick{}, nil
}

// eligibleSources filters sources by cooldown and consecutive-pick
// constraints, relaxing in order when the filters empty the set.
func (b *BalanceStrategy) eligibleSources(at time.Time) []int {
	var full, cooldownOnly, all []int
	for i, src := range b.sources {
		snap := b.states.balanceState(src.CollectionID.String())
		all = append(all, i)
		cooled := src.CooldownMinutes == 0 ||
			snap.lastPickedAt == nil ||
			at.Sub(*snap.lastPickedAt) >= time.Duration(src.CooldownMinutes)*time.Minute
		underCap := src.MaxConsecutive == 0 || snap.consecutiveCount < src.MaxConsecutive
		if cooled {
			cooldownOnly = append(cooldownOnly, i)
			if underCap {
				full = append(full, i)
			}
		}
	}
	if len(full) > 0 {
		return full
	}
	if len(cooldownOnly) > 0 {
		return cooldownOnly
	}
	return all
}

// weightedChoice picks one candidate with probability proportional to its
// weight.
func weightedChoice(rng *rand.Rand, candidates []int, sources []models.BalanceSource) int {
	total := 0.0
	for _, i := range candidates {
		total += sources[i].Weight
	}
	r := rng.Float64() * total
	for _, i := range candidates {
		r -= sources[i].Weight
		if r < 0 {
			return i
		}
	}
	return candidates[len(candidates)-1]
}

func withoutSource(candidates []int, drop int) []int {
	out := make([]int, 0, len(candidates))
	for _, i := range candidates {
		if i != drop {
			out = append(out, i)
		}
	}
	return out
}
