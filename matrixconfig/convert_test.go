package matrixconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float64Ptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool          { return &b }

func TestToMatrixSimpleThreshold(t *testing.T) {
	doc := Document{
		Conditions: []ConditionDoc{{
			Expression: ExprDoc{Binary: &BinaryExprDoc{
				Op:   "gt",
				Left: &ExprDoc{Signal: uint32Ptr(7)},
				Right: &ExprDoc{Float: float64Ptr(50)},
			}},
			ProbabilityToSend: float64Ptr(1.0),
			Signals: []SignalDoc{{
				SignalID:         7,
				SampleBufferSize: 4,
				Type:             "f64",
			}},
		}},
	}

	m, err := ToMatrix(doc)
	require.NoError(t, err)
	require.Len(t, m.Conditions, 1)
	assert.True(t, m.Options.SendOnlyOncePerCondition, "send_only_once_per_condition defaults true")
	assert.Equal(t, 1.0, m.Conditions[0].ProbabilityToSend)
	assert.Equal(t, 2, m.Arena.Depth(m.Conditions[0].Root))
}

func TestToMatrixRejectsAmbiguousExpressionNode(t *testing.T) {
	doc := Document{
		Conditions: []ConditionDoc{{
			Expression: ExprDoc{Float: float64Ptr(1), Bool: boolPtr(true)},
		}},
	}
	_, err := ToMatrix(doc)
	assert.Error(t, err)
}

func TestToMatrixGeohashCondition(t *testing.T) {
	doc := Document{
		Conditions: []ConditionDoc{{
			Expression: ExprDoc{GeohashChanged: &GeohashChangedDoc{Precision: 6}},
			Geohash: &GeohashDoc{
				LatSignalID: 10,
				LonSignalID: 11,
				Unit:        "decimal_degree",
				Precision:   6,
			},
			Signals: []SignalDoc{
				{SignalID: 10, SampleBufferSize: 1, Type: "f64"},
				{SignalID: 11, SampleBufferSize: 1, Type: "f64"},
			},
		}},
	}

	m, err := ToMatrix(doc)
	require.NoError(t, err)
	require.NotNil(t, m.Conditions[0].Geohash)
	assert.EqualValues(t, 10, m.Conditions[0].Geohash.LatSignalID)
	assert.Equal(t, 6, m.Conditions[0].Geohash.Precision)
}

func TestToMatrixUnknownOpIsError(t *testing.T) {
	doc := Document{
		Conditions: []ConditionDoc{{
			Expression: ExprDoc{Binary: &BinaryExprDoc{
				Op:    "xor",
				Left:  &ExprDoc{Bool: boolPtr(true)},
				Right: &ExprDoc{Bool: boolPtr(false)},
			}},
		}},
	}
	_, err := ToMatrix(doc)
	assert.Error(t, err)
}

func uint32Ptr(v uint32) *uint32 { return &v }
