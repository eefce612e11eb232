// Package ledger implements the per-level FIFO lot accounting that backs
// every SELL coverage and long-only decision the engine makes. It owns lots;
// the grid manager only ever references level indices.
package ledger

import (
	"container/list"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
)

// Ledger tracks per-buy-level FIFO lots and derives long exposure and cost
// basis from them. It is deliberately independent of exchange-reported
// holdings; the reconciler compares the two and flags drift, but the safety
// gate always uses exchange truth for sizing.
type Ledger struct {
	levels map[int]*list.List // level_index -> *list.List of *core.Lot, oldest at front
	order  []int              // level indices in first-seen order, for deterministic fallback scan
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{levels: make(map[int]*list.List)}
}

// AddLot appends a new lot to the FIFO queue at level_index.
func (l *Ledger) AddLot(levelIndex int, price, size decimal.Decimal, openedAt time.Time) {
	q := l.queueFor(levelIndex)
	q.PushBack(&core.Lot{BuyLevelIndex: levelIndex, BuyPrice: price, Size: size, OpenedAt: openedAt})
}

func (l *Ledger) queueFor(levelIndex int) *list.List {
	q, ok := l.levels[levelIndex]
	if !ok {
		q = list.New()
		l.levels[levelIndex] = q
		l.order = append(l.order, levelIndex)
	}
	return q
}

// MatchSell consumes up to size from level_index's FIFO queue, falling back
// to the globally oldest lot across all levels if that queue is empty (a
// SELL can be triggered by a different level reaching its price on a sparse
// ladder). It returns one or more consumed chunks; size may not be fully
// satisfied if total inventory is insufficient, in which case the caller
// receives everything available and should treat the remainder per the
// safety gate's long-only invariant rather than over-consuming.
func (l *Ledger) MatchSell(levelIndex int, size decimal.Decimal) ([]core.Lot, error) {
	if size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ledger: match_sell size must be positive, got %s", size)
	}

	var matched []core.Lot
	remaining := size

	remaining = l.drainQueue(l.levels[levelIndex], remaining, &matched)
	if remaining.IsZero() {
		return matched, nil
	}

	for remaining.GreaterThan(decimal.Zero) {
		q, lvl := l.oldestNonEmptyQueue()
		if q == nil {
			break
		}
		_ = lvl
		remaining = l.drainQueue(q, remaining, &matched)
	}

	return matched, nil
}

func (l *Ledger) drainQueue(q *list.List, remaining decimal.Decimal, matched *[]core.Lot) decimal.Decimal {
	if q == nil {
		return remaining
	}
	for remaining.GreaterThan(decimal.Zero) {
		front := q.Front()
		if front == nil {
			break
		}
		lot := front.Value.(*core.Lot)
		if lot.Size.LessThanOrEqual(remaining) {
			*matched = append(*matched, *lot)
			remaining = remaining.Sub(lot.Size)
			q.Remove(front)
			continue
		}
		consumed := *lot
		consumed.Size = remaining
		*matched = append(*matched, consumed)
		lot.Size = lot.Size.Sub(remaining)
		remaining = decimal.Zero
	}
	return remaining
}

// oldestNonEmptyQueue scans levels in first-seen order and returns the
// queue whose front lot has the earliest OpenedAt, approximating a global
// FIFO without maintaining a second cross-level index.
func (l *Ledger) oldestNonEmptyQueue() (*list.List, int) {
	var best *list.List
	bestLevel := -1
	var bestTime time.Time
	first := true
	for _, lvl := range l.order {
		q := l.levels[lvl]
		front := q.Front()
		if front == nil {
			continue
		}
		t := front.Value.(*core.Lot).OpenedAt
		if first || t.Before(bestTime) {
			best = q
			bestLevel = lvl
			bestTime = t
			first = false
		}
	}
	return best, bestLevel
}

// LongExposure returns the total size across all open lots.
func (l *Ledger) LongExposure() decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range l.order {
		for e := l.levels[lvl].Front(); e != nil; e = e.Next() {
			total = total.Add(e.Value.(*core.Lot).Size)
		}
	}
	return total
}

// CostBasis returns sum(size*price) over all open lots.
func (l *Ledger) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range l.order {
		for e := l.levels[lvl].Front(); e != nil; e = e.Next() {
			lot := e.Value.(*core.Lot)
			total = total.Add(lot.Size.Mul(lot.BuyPrice))
		}
	}
	return total
}

// LevelExposure returns the total open lot size at a single level.
func (l *Ledger) LevelExposure(levelIndex int) decimal.Decimal {
	q, ok := l.levels[levelIndex]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for e := q.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*core.Lot).Size)
	}
	return total
}

// Snapshot returns every open lot, for persistence.
func (l *Ledger) Snapshot() []core.Lot {
	var out []core.Lot
	for _, lvl := range l.order {
		for e := l.levels[lvl].Front(); e != nil; e = e.Next() {
			out = append(out, *e.Value.(*core.Lot))
		}
	}
	return out
}

// Restore repopulates the ledger from a persisted snapshot. Any existing
// state is discarded; this is only safe to call before the engine starts
// processing bars.
func (l *Ledger) Restore(lots []core.Lot) {
	l.levels = make(map[int]*list.List)
	l.order = nil
	for _, lot := range lots {
		lotCopy := lot
		l.AddLot(lotCopy.BuyLevelIndex, lotCopy.BuyPrice, lotCopy.Size, lotCopy.OpenedAt)
	}
}

var _ core.ILedger = (*Ledger)(nil)
