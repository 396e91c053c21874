// Package expr implements the expression tree evaluator: a
// depth-bounded, short-circuiting recursive evaluator over an arena of
// nodes referenced by index rather than pointer, so a Matrix (and its
// trees) can be a single owned, value-comparable structure.
package expr

import "github.com/fleetwire/inspector/engine/aggregate"

// NodeIndex is a position within an Arena's node slice. The zero value
// is a valid index (the arena's first node), so an "absent" child is
// represented out of band by the node kinds that have none.
type NodeIndex uint16

// Kind tags the variant a Node holds.
type Kind uint8

const (
	KindFloat Kind = iota
	KindBool
	KindSignal
	KindWindow
	KindBinary
	KindUnary
	// KindGeohashChanged reads the per-condition "has the geohash
	// changed at this precision since last consumed" predicate,
	// resolved through the optional GeohashResolver extension to
	// Resolver rather than through the signal/window data a
	// condition's Signals list projects.
	KindGeohashChanged
)

// BinOp enumerates the dyadic operators, grouped as arithmetic,
// comparison, and logical.
type BinOp uint8

const (
	Add BinOp = iota
	Sub
	Mul
	Div
	Lt
	Le
	Gt
	Ge
	Eq
	Ne
	And
	Or
)

// UnOp enumerates the monadic operators.
type UnOp uint8

const (
	Not UnOp = iota
	Neg
)

// FloatEqualTolerance is the absolute tolerance applied to `=` and `≠`
// comparisons between floats.
const FloatEqualTolerance = 0.001

// Node is one arena entry. Only the fields relevant to Kind are
// meaningful; the rest are zero.
type Node struct {
	Kind Kind

	Float float64
	Bool  bool

	// SignalID is read by KindSignal and KindWindow.
	SignalID uint32
	// WindowFunc selects which generation/statistic KindWindow reads.
	WindowFunc aggregate.Func
	// GeohashPrecision is read by KindGeohashChanged.
	GeohashPrecision int

	BinOp       BinOp
	UnOp        UnOp
	Left, Right NodeIndex
	Inner       NodeIndex
}

// Arena is the contiguous node storage for one Matrix, indexed by
// NodeIndex. Arenas are built once at matrix-construction time and
// never mutated afterward, which is what makes value-equality between
// two arenas a meaningful check for whether a matrix swap actually
// needs to reset anything.
type Arena struct {
	nodes []Node
}

// NewArena returns an empty arena ready to accept nodes via Add.
func NewArena() *Arena { return &Arena{} }

// Add appends n and returns its index.
func (a *Arena) Add(n Node) NodeIndex {
	a.nodes = append(a.nodes, n)
	return NodeIndex(len(a.nodes) - 1)
}

// At returns the node at idx.
func (a *Arena) At(idx NodeIndex) (Node, bool) {
	if int(idx) >= len(a.nodes) {
		return Node{}, false
	}
	return a.nodes[idx], true
}

// Len reports the number of nodes in the arena.
func (a *Arena) Len() int { return len(a.nodes) }

// Depth computes the tree depth rooted at idx (1 for a leaf), used by
// matrix validation to reject trees deeper than the 10-level cap
// before any evaluation is attempted.
func (a *Arena) Depth(idx NodeIndex) int {
	n, ok := a.At(idx)
	if !ok {
		return 0
	}
	switch n.Kind {
	case KindBinary:
		l := a.Depth(n.Left)
		r := a.Depth(n.Right)
		if r > l {
			l = r
		}
		return 1 + l
	case KindUnary:
		return 1 + a.Depth(n.Inner)
	default:
		return 1
	}
}

// Equal reports whether two arenas hold identical node sequences,
// backing the matrix-swap value-equality idempotence property.
func (a *Arena) Equal(other *Arena) bool {
	if a == nil || other == nil {
		return a == other
	}
	if len(a.nodes) != len(other.nodes) {
		return false
	}
	for i := range a.nodes {
		if a.nodes[i] != other.nodes[i] {
			return false
		}
	}
	return true
}
