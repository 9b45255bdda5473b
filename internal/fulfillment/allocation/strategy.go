// Package allocation selects which inventory lots satisfy a demanded
// quantity. Selection is pure: it reads a snapshot of lots and returns picks
// without touching storage.
package allocation

import (
	"fmt"
	"strings"

	"github.com/outflow/outflow-backend/pkg/errors"
)

// Strategy is a lot ordering policy. The set is closed: values come from the
// package variables or ParseStrategy.
type Strategy struct {
	name string
	less func(a, b *Lot) bool
}

var (
	// StrategyFEFO picks the earliest expiring lots first. Lots without an
	// expiry date go last.
	StrategyFEFO = Strategy{name: "FEFO", less: fefoLess}

	// StrategyFIFO picks the earliest received lots first.
	StrategyFIFO = Strategy{name: "FIFO", less: fifoLess}

	// DefaultStrategy is used when a request names none
	DefaultStrategy = StrategyFEFO
)

// ParseStrategy parses a strategy name case-insensitively. An empty name
// yields DefaultStrategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return DefaultStrategy, nil
	case StrategyFEFO.name:
		return StrategyFEFO, nil
	case StrategyFIFO.name:
		return StrategyFIFO, nil
	}
	return Strategy{}, errors.Validation(map[string]string{
		"strategy": fmt.Sprintf("unknown strategy %q, must be one of: FEFO FIFO", raw),
	})
}

// String returns the stored code of the strategy
func (s Strategy) String() string {
	if s.name == "" {
		return DefaultStrategy.name
	}
	return s.name
}

func (s Strategy) comparator() func(a, b *Lot) bool {
	if s.less == nil {
		return DefaultStrategy.less
	}
	return s.less
}

func fefoLess(a, b *Lot) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	return fifoLess(a, b)
}

func fifoLess(a, b *Lot) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if a.LotNumber != b.LotNumber {
		return a.LotNumber < b.LotNumber
	}
	return a.ID < b.ID
}
