// Package txid generates externally presentable transaction identifiers.
//
// Both generators keep the historical "TRX-01-<digits>" format. Random draws
// 128 bits per id, so collisions are negligible even across instances;
// Sequence stamps a monotonically increasing counter and is only unique
// within a single writer, the same single-writer assumption the exchange
// sequencer makes.
package txid

import (
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nathanyu/pocket-pal/internal/domain"
)

// Generator produces transaction ids. Implementations must be safe for
// concurrent use.
type Generator interface {
	Next() string
}

// Random renders 128 random bits as a decimal suffix.
type Random struct{}

// NewRandom creates a random generator.
func NewRandom() *Random { return &Random{} }

// Next returns a new id.
func (Random) Next() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return domain.TransactionIDPrefix + n.String()
}

// Sequence stamps monotonically increasing ids.
type Sequence struct {
	seq atomic.Uint64
}

// NewSequence creates a generator whose first id is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns a new id.
func (s *Sequence) Next() string {
	return fmt.Sprintf("%s%010d", domain.TransactionIDPrefix, s.seq.Add(1))
}

// Current returns the last issued sequence number.
func (s *Sequence) Current() uint64 {
	return s.seq.Load()
}

// New picks a generator by strategy name ("random" or "sequence").
func New(strategy string, start uint64) (Generator, error) {
	switch strings.ToLower(strategy) {
	case "", "random":
		return NewRandom(), nil
	case "sequence":
		return NewSequence(start), nil
	default:
		return nil, fmt.Errorf("unknown txid strategy: %q", strategy)
	}
}

// Valid reports whether id has the expected prefix and a numeric suffix.
func Valid(id string) bool {
	suffix, ok := strings.CutPrefix(id, domain.TransactionIDPrefix)
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
