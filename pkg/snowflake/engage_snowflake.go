// Package snowflake generates time-ordered 64-bit ids.
//
// Layout: 1 sign bit, 41 bits of milliseconds since 2025-01-01 UTC, 10 bits of node id,
// 12 bits of per-millisecond sequence. Ids from one node sort in creation order, which the
// call queue relies on for its FIFO tie-break.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timestampShift = nodeBits + sequenceBits
	nodeShift      = sequenceBits
)

var (
	ErrInvalidNode    = errors.New("snowflake: node id must be between 0 and 1023")
	ErrClockMovedBack = errors.New("snowflake: clock moved backwards")
)

// Generator produces unique ids for one node. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastTime int64
	now      func() time.Time
}

// NewGenerator creates a generator for node (0-1023).
func NewGenerator(node int64) (*Generator, error) {
	return newGeneratorWithClock(node, time.Now)
}

// newGeneratorWithClock creates a generator reading time from now.
func newGeneratorWithClock(node int64, now func() time.Time) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNode
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{node: node, now: now}, nil
}

// generate returns the next id.
func (g *Generator) generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastTime {
		// Small regressions (NTP slew) borrow from the last timestamp instead of failing.
		if g.lastTime-ms > 1000 {
			return 0, ErrClockMovedBack
		}
		ms = g.lastTime
	}

	if ms == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			ms = g.lastTime + 1
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = ms

	return ((ms - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence, nil
}

// Next returns the next id as a decimal string.
func (g *Generator) Next() (string, error) {
	id, err := g.generate()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// NextWithPrefix returns "<prefix>_<id>".
func (g *Generator) NextWithPrefix(prefix string) (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return prefix + "_" + id, nil
}

// Parse extracts the components of id.
func Parse(id int64) (ts time.Time, node int64, sequence int64) {
	ts = time.UnixMilli((id >> timestampShift) + epoch).UTC()
	node = (id >> nodeShift) & maxNode
	sequence = id & maxSequence
	return ts, node, sequence
}
