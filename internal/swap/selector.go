// Package swap selects neighbouring replica pairs and exchanges their
// configurations.
package swap

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
)

// Selector picks the ladder pair for the next swap.
type Selector interface {
	// SelectPair returns (i, j) with j == i-1 and 1 <= i <= n-1.
	SelectPair(n int) (i, j int, err error)
}

// RandomSelector draws i uniformly from [1, n-1]. The lowest rung can only
// ever be the lower partner.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector returns a selector seeded with seed, or with the current
// time when seed is 0.
func NewRandomSelector(seed uint64) *RandomSelector {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomSelector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SelectPair implements Selector.
func (s *RandomSelector) SelectPair(n int) (int, int, error) {
	if n < 2 {
		return 0, 0, fmt.Errorf("%w: ladder has %d rungs", apperrors.ErrInsufficientReplicas, n)
	}
	s.mu.Lock()
	i := 1 + s.rng.IntN(n-1)
	s.mu.Unlock()
	return i, i - 1, nil
}

// FixedSelector always returns the same upper index. It is meant for
// reproducing a specific exchange sequence.
type FixedSelector struct {
	I int
}

// SelectPair implements Selector.
func (s FixedSelector) SelectPair(n int) (int, int, error) {
	if n < 2 {
		return 0, 0, fmt.Errorf("%w: ladder has %d rungs", apperrors.ErrInsufficientReplicas, n)
	}
	if s.I < 1 || s.I > n-1 {
		return 0, 0, fmt.Errorf("%w: fixed index %d outside [1, %d]", apperrors.ErrInvalidInput, s.I, n-1)
	}
	return s.I, s.I - 1, nil
}

// Proposal describes a swap offered to an AcceptanceCriterion.
type Proposal struct {
	Attempt    int
	I, J       int
	ParamI     float64
	ParamJ     float64
	ReplicaIDI string
	ReplicaIDJ string
}

// AcceptanceCriterion decides whether a proposed swap is applied.
type AcceptanceCriterion interface {
	Accept(ctx context.Context, p Proposal) (bool, error)
}

// AcceptanceFunc adapts a function to AcceptanceCriterion.
type AcceptanceFunc func(ctx context.Context, p Proposal) (bool, error)

// Accept implements AcceptanceCriterion.
func (f AcceptanceFunc) Accept(ctx context.Context, p Proposal) (bool, error) {
	return f(ctx, p)
}

// AlwaysAccept accepts every proposal.
type AlwaysAccept struct{}

// Accept implements AcceptanceCriterion.
func (AlwaysAccept) Accept(context.Context, Proposal) (bool, error) {
	return true, nil
}
