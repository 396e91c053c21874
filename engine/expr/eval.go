package expr

import (
	"fmt"

	"github.com/fleetwire/inspector/engine/aggregate"
	"github.com/fleetwire/inspector/engine/signal"
)

// ResultKind enumerates the evaluator's outcome kinds.
type ResultKind uint8

const (
	Ok ResultKind = iota
	SignalNotFound
	WindowNotAvailable
	DepthExceeded
	TypeError
)

func (k ResultKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case SignalNotFound:
		return "signal_not_found"
	case WindowNotAvailable:
		return "window_not_available"
	case DepthExceeded:
		return "depth_exceeded"
	case TypeError:
		return "type_error"
	default:
		return fmt.Sprintf("ResultKind(%d)", uint8(k))
	}
}

// MaxDepth is the evaluator's tree-depth cap. A root node is evaluated
// with depth budget MaxDepth; the tenth nested level still has budget
// left, the eleventh does not.
const MaxDepth = 10

// Resolver supplies the per-condition signal and window data an
// expression tree reads. The inspection engine implements it by
// projecting a condition's declared (signal, interval) list onto the
// history store.
type Resolver interface {
	// Signal returns the newest sample's value for signalID as declared
	// by the evaluating condition, or ok=false if none has arrived yet.
	Signal(signalID uint32) (value signal.Value, ok bool)
	// Window returns the requested window statistic for signalID, or
	// ok=false if that generation is not yet available.
	Window(f aggregate.Func, signalID uint32) (value float64, ok bool)
}

// GeohashResolver is an optional extension a Resolver may also
// implement to answer KindGeohashChanged nodes. A Resolver that does
// not implement it causes such a node to evaluate
// as TypeError, which behaves exactly like any other unsupported
// expression shape.
type GeohashResolver interface {
	GeohashChanged(precision int) bool
}

// Result is the outcome of evaluating one node: a kind, and, only
// meaningful when Kind == Ok, a numeric value interpreted as a bool
// via != 0 by callers that need one.
type Result struct {
	Kind  ResultKind
	Num   float64
	Bool  bool
	IsNum bool
}

func ok(v float64) Result  { return Result{Kind: Ok, Num: v, IsNum: true} }
func okBool(b bool) Result { return Result{Kind: Ok, Bool: b} }
func fail(k ResultKind) Result { return Result{Kind: k} }

// asFloat coerces a Result to a float64, treating bools as 1.0/0.0.
func (r Result) asFloat() float64 {
	if r.IsNum {
		return r.Num
	}
	if r.Bool {
		return 1
	}
	return 0
}

// asBool coerces a Result to a bool, treating any nonzero number as
// true.
func (r Result) asBool() bool {
	if r.IsNum {
		return r.Num != 0
	}
	return r.Bool
}

// Eval recursively evaluates the tree rooted at idx against arena,
// resolving Signal/Window leaves through resolver. It starts with a
// full depth budget; callers never pass a depth argument.
func Eval(arena *Arena, idx NodeIndex, resolver Resolver) Result {
	return evalDepth(arena, idx, resolver, MaxDepth)
}

func evalDepth(arena *Arena, idx NodeIndex, resolver Resolver, depth int) Result {
	if depth <= 0 {
		return fail(DepthExceeded)
	}
	n, found := arena.At(idx)
	if !found {
		return fail(TypeError)
	}

	switch n.Kind {
	case KindFloat:
		return ok(n.Float)

	case KindBool:
		return okBool(n.Bool)

	case KindSignal:
		v, found := resolver.Signal(n.SignalID)
		if !found {
			return fail(SignalNotFound)
		}
		f, isNumeric := v.Float64()
		if !isNumeric {
			// A ComplexHandle value is never directly evaluable;
			// treat it as unresolved rather than a hard type error
			// so short-circuiting logic upstream can still
			// suppress it.
			return fail(SignalNotFound)
		}
		return ok(f)

	case KindWindow:
		v, found := resolver.Window(n.WindowFunc, n.SignalID)
		if !found {
			return fail(WindowNotAvailable)
		}
		return ok(v)

	case KindGeohashChanged:
		gr, supported := resolver.(GeohashResolver)
		if !supported {
			return fail(TypeError)
		}
		return okBool(gr.GeohashChanged(n.GeohashPrecision))

	case KindUnary:
		switch n.UnOp {
		case Not:
			inner := evalDepth(arena, n.Inner, resolver, depth-1)
			if inner.Kind != Ok {
				return inner
			}
			return okBool(!inner.asBool())
		case Neg:
			inner := evalDepth(arena, n.Inner, resolver, depth-1)
			if inner.Kind != Ok {
				return inner
			}
			return ok(-inner.asFloat())
		default:
			return fail(TypeError)
		}

	case KindBinary:
		return evalBinary(arena, n, resolver, depth)

	default:
		return fail(TypeError)
	}
}

func evalBinary(arena *Arena, n Node, resolver Resolver, depth int) Result {
	// Logical And/Or short-circuit: the right side is not evaluated,
	// and its error (if any) never propagates, once the left side
	// alone determines the outcome.
	if n.BinOp == And || n.BinOp == Or {
		left := evalDepth(arena, n.Left, resolver, depth-1)
		if left.Kind != Ok {
			return left
		}
		lb := left.asBool()
		if n.BinOp == And && !lb {
			return okBool(false)
		}
		if n.BinOp == Or && lb {
			return okBool(true)
		}
		right := evalDepth(arena, n.Right, resolver, depth-1)
		if right.Kind != Ok {
			return right
		}
		return okBool(right.asBool())
	}

	left := evalDepth(arena, n.Left, resolver, depth-1)
	if left.Kind != Ok {
		return left
	}
	right := evalDepth(arena, n.Right, resolver, depth-1)
	if right.Kind != Ok {
		return right
	}
	a, b := left.asFloat(), right.asFloat()

	switch n.BinOp {
	case Add:
		return ok(a + b)
	case Sub:
		return ok(a - b)
	case Mul:
		return ok(a * b)
	case Div:
		if b == 0 {
			return fail(TypeError)
		}
		return ok(a / b)
	case Lt:
		return okBool(a < b)
	case Le:
		return okBool(a <= b)
	case Gt:
		return okBool(a > b)
	case Ge:
		return okBool(a >= b)
	case Eq:
		return okBool(floatEqual(a, b))
	case Ne:
		return okBool(!floatEqual(a, b))
	default:
		return fail(TypeError)
	}
}

func floatEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= FloatEqualTolerance
}
