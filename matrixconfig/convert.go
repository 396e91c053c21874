package matrixconfig

import (
	"fmt"

	"github.com/fleetwire/inspector/engine/aggregate"
	"github.com/fleetwire/inspector/engine/expr"
	"github.com/fleetwire/inspector/engine/geohash"
	"github.com/fleetwire/inspector/engine/inspection"
	"github.com/fleetwire/inspector/engine/signal"
)

// ToMatrix converts a decoded Document into an engine-ready
// inspection.Matrix, building one shared expr.Arena across every
// condition's expression tree. It does not validate the result against
// the engine's structural limits (condition count, expression depth,
// memory budget); call inspection.Engine.SetInspectionMatrix and let
// it reject the matrix wholesale.
func ToMatrix(doc Document) (*inspection.Matrix, error) {
	arena := expr.NewArena()
	conditions := make([]inspection.ConditionSpec, len(doc.Conditions))

	for i, cd := range doc.Conditions {
		root, err := toNode(arena, cd.Expression)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}

		signals := make([]inspection.SignalSpec, len(cd.Signals))
		for j, sd := range cd.Signals {
			tag, err := toTypeTag(sd.Type)
			if err != nil {
				return nil, fmt.Errorf("condition %d signal %d: %w", i, j, err)
			}
			signals[j] = inspection.SignalSpec{
				SignalID:            signal.ID(sd.SignalID),
				SampleBufferSize:    sd.SampleBufferSize,
				MinSampleIntervalMS: sd.MinSampleIntervalMS,
				FixedWindowPeriodMS: sd.FixedWindowPeriodMS,
				IsConditionOnly:     sd.ConditionOnly,
				TypeTag:             tag,
			}
		}

		frames := make([]inspection.FrameSpec, len(cd.RawFrames))
		for j, fd := range cd.RawFrames {
			frames[j] = inspection.FrameSpec{
				FrameID:          fd.FrameID,
				ChannelID:        fd.ChannelID,
				SampleBufferSize: fd.SampleBufferSize,
			}
		}

		var gh *inspection.GeohashSpec
		if cd.Geohash != nil {
			unit, err := toUnit(cd.Geohash.Unit)
			if err != nil {
				return nil, fmt.Errorf("condition %d geohash: %w", i, err)
			}
			gh = &inspection.GeohashSpec{
				LatSignalID: signal.ID(cd.Geohash.LatSignalID),
				LonSignalID: signal.ID(cd.Geohash.LonSignalID),
				Unit:        unit,
				Precision:   cd.Geohash.Precision,
			}
		}

		probability := 1.0
		if cd.ProbabilityToSend != nil {
			probability = *cd.ProbabilityToSend
		}

		conditions[i] = inspection.ConditionSpec{
			Root:                    root,
			MinPublishIntervalMS:    cd.MinPublishIntervalMS,
			AfterDurationMS:         cd.AfterDurationMS,
			Signals:                 signals,
			RawFrames:               frames,
			IncludeActiveDTCs:       cd.IncludeActiveDTCs,
			TriggerOnlyOnRisingEdge: cd.TriggerOnlyOnRisingEdge,
			ProbabilityToSend:       probability,
			Geohash:                 gh,
			Metadata: inspection.Metadata{
				CampaignID: cd.Metadata.CampaignID,
				DecoderID:  cd.Metadata.DecoderID,
				Priority:   cd.Metadata.Priority,
				Persist:    cd.Metadata.Persist,
				Compress:   cd.Metadata.Compress,
			},
		}
	}

	// send_only_once_per_condition defaults to true when the document
	// omits it: this engine keeps no sample history across restarts,
	// so there is nothing for an operator to intentionally replay.
	sendOnce := true
	if doc.Options.SendOnlyOncePerCondition != nil {
		sendOnce = *doc.Options.SendOnlyOncePerCondition
	}

	return &inspection.Matrix{
		Arena:      arena,
		Conditions: conditions,
		Options: inspection.Options{
			SendOnlyOncePerCondition: sendOnce,
			DisableProbability:       doc.Options.DisableProbability,
		},
	}, nil
}

// toNode recursively lowers one ExprDoc into the shared arena, erroring
// on a node with zero or more than one populated variant.
func toNode(arena *expr.Arena, d ExprDoc) (expr.NodeIndex, error) {
	set := 0
	for _, present := range []bool{d.Float != nil, d.Bool != nil, d.Signal != nil, d.Window != nil, d.Binary != nil, d.Unary != nil, d.GeohashChanged != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return 0, fmt.Errorf("expression node must set exactly one of float/bool/signal/window/binary/unary/geohash_changed, got %d", set)
	}

	switch {
	case d.Float != nil:
		return arena.Add(expr.Node{Kind: expr.KindFloat, Float: *d.Float}), nil
	case d.Bool != nil:
		return arena.Add(expr.Node{Kind: expr.KindBool, Bool: *d.Bool}), nil
	case d.Signal != nil:
		return arena.Add(expr.Node{Kind: expr.KindSignal, SignalID: *d.Signal}), nil
	case d.Window != nil:
		fn, err := toWindowFunc(d.Window.Func)
		if err != nil {
			return 0, err
		}
		return arena.Add(expr.Node{Kind: expr.KindWindow, SignalID: d.Window.Signal, WindowFunc: fn}), nil
	case d.Binary != nil:
		if d.Binary.Left == nil || d.Binary.Right == nil {
			return 0, fmt.Errorf("binary expression requires both left and right")
		}
		op, err := toBinOp(d.Binary.Op)
		if err != nil {
			return 0, err
		}
		left, err := toNode(arena, *d.Binary.Left)
		if err != nil {
			return 0, err
		}
		right, err := toNode(arena, *d.Binary.Right)
		if err != nil {
			return 0, err
		}
		return arena.Add(expr.Node{Kind: expr.KindBinary, BinOp: op, Left: left, Right: right}), nil
	case d.Unary != nil:
		if d.Unary.Inner == nil {
			return 0, fmt.Errorf("unary expression requires inner")
		}
		op, err := toUnOp(d.Unary.Op)
		if err != nil {
			return 0, err
		}
		inner, err := toNode(arena, *d.Unary.Inner)
		if err != nil {
			return 0, err
		}
		return arena.Add(expr.Node{Kind: expr.KindUnary, UnOp: op, Inner: inner}), nil
	default: // d.GeohashChanged != nil
		return arena.Add(expr.Node{Kind: expr.KindGeohashChanged, GeohashPrecision: d.GeohashChanged.Precision}), nil
	}
}

func toBinOp(op string) (expr.BinOp, error) {
	switch op {
	case "add":
		return expr.Add, nil
	case "sub":
		return expr.Sub, nil
	case "mul":
		return expr.Mul, nil
	case "div":
		return expr.Div, nil
	case "lt":
		return expr.Lt, nil
	case "le":
		return expr.Le, nil
	case "gt":
		return expr.Gt, nil
	case "ge":
		return expr.Ge, nil
	case "eq":
		return expr.Eq, nil
	case "ne":
		return expr.Ne, nil
	case "and":
		return expr.And, nil
	case "or":
		return expr.Or, nil
	default:
		return 0, fmt.Errorf("unknown binary op %q", op)
	}
}

func toUnOp(op string) (expr.UnOp, error) {
	switch op {
	case "not":
		return expr.Not, nil
	case "neg":
		return expr.Neg, nil
	default:
		return 0, fmt.Errorf("unknown unary op %q", op)
	}
}

func toWindowFunc(fn string) (aggregate.Func, error) {
	switch fn {
	case "last_avg":
		return aggregate.LastAvg, nil
	case "prev_last_avg":
		return aggregate.PrevLastAvg, nil
	case "last_min":
		return aggregate.LastMin, nil
	case "prev_last_min":
		return aggregate.PrevLastMin, nil
	case "last_max":
		return aggregate.LastMax, nil
	case "prev_last_max":
		return aggregate.PrevLastMax, nil
	default:
		return 0, fmt.Errorf("unknown window func %q", fn)
	}
}

func toTypeTag(tag string) (signal.TypeTag, error) {
	switch tag {
	case "u8":
		return signal.U8, nil
	case "i8":
		return signal.I8, nil
	case "u16":
		return signal.U16, nil
	case "i16":
		return signal.I16, nil
	case "u32":
		return signal.U32, nil
	case "i32":
		return signal.I32, nil
	case "u64":
		return signal.U64, nil
	case "i64":
		return signal.I64, nil
	case "f32":
		return signal.F32, nil
	case "f64":
		return signal.F64, nil
	case "bool":
		return signal.Bool, nil
	case "complex_handle":
		return signal.ComplexHandle, nil
	default:
		return 0, fmt.Errorf("unknown signal type %q", tag)
	}
}

func toUnit(unit string) (geohash.Unit, error) {
	switch unit {
	case "", "decimal_degree":
		return geohash.DecimalDegree, nil
	case "arc_second":
		return geohash.ArcSecond, nil
	case "milli_arc_second":
		return geohash.MilliArcSecond, nil
	case "micro_arc_second":
		return geohash.MicroArcSecond, nil
	default:
		return 0, fmt.Errorf("unknown geohash unit %q", unit)
	}
}
