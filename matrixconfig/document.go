// Package matrixconfig is the only place in this repository an
// inspection matrix is read from disk. It decodes a YAML document into
// the engine's own Matrix type and hot-reloads it on file change, so an
// operator can edit a matrix file next to a running inspectord and see
// it take effect without a restart.
//
// Everything exported here is wiring, not core contract: the engine
// itself (github.com/fleetwire/inspector/engine) takes no config and
// knows nothing about YAML.
package matrixconfig

// Document is the YAML root of an inspection matrix file.
type Document struct {
	Options    OptionsDoc     `yaml:"options"`
	Conditions []ConditionDoc `yaml:"conditions"`
}

// OptionsDoc mirrors inspection.Options.
type OptionsDoc struct {
	SendOnlyOncePerCondition *bool `yaml:"send_only_once_per_condition"`
	DisableProbability       bool  `yaml:"disable_probability"`
}

// SignalDoc mirrors inspection.SignalSpec.
type SignalDoc struct {
	SignalID            uint32 `yaml:"signal_id"`
	SampleBufferSize    int    `yaml:"sample_buffer_size"`
	MinSampleIntervalMS uint64 `yaml:"min_sample_interval_ms"`
	FixedWindowPeriodMS uint64 `yaml:"fixed_window_period_ms"`
	ConditionOnly       bool   `yaml:"condition_only"`
	Type                string `yaml:"type"`
}

// FrameDoc mirrors inspection.FrameSpec.
type FrameDoc struct {
	FrameID          uint32 `yaml:"frame_id"`
	ChannelID        uint32 `yaml:"channel_id"`
	SampleBufferSize int    `yaml:"sample_buffer_size"`
}

// GeohashDoc mirrors inspection.GeohashSpec.
type GeohashDoc struct {
	LatSignalID uint32 `yaml:"lat_signal_id"`
	LonSignalID uint32 `yaml:"lon_signal_id"`
	Unit        string `yaml:"unit"`
	Precision   int    `yaml:"precision"`
}

// MetadataDoc mirrors inspection.Metadata.
type MetadataDoc struct {
	CampaignID string `yaml:"campaign_id"`
	DecoderID  string `yaml:"decoder_id"`
	Priority   int    `yaml:"priority"`
	Persist    bool   `yaml:"persist"`
	Compress   bool   `yaml:"compress"`
}

// ConditionDoc mirrors inspection.ConditionSpec, with Expression as the
// YAML-native expression tree converted by toNode.
type ConditionDoc struct {
	Expression              ExprDoc     `yaml:"expression"`
	MinPublishIntervalMS    uint64      `yaml:"min_publish_interval_ms"`
	AfterDurationMS         uint64      `yaml:"after_duration_ms"`
	TriggerOnlyOnRisingEdge bool        `yaml:"trigger_only_on_rising_edge"`
	ProbabilityToSend       *float64    `yaml:"probability_to_send"`
	IncludeActiveDTCs       bool        `yaml:"include_active_dtcs"`
	Signals                 []SignalDoc `yaml:"signals"`
	RawFrames               []FrameDoc  `yaml:"raw_frames"`
	Geohash                 *GeohashDoc `yaml:"geohash"`
	Metadata                MetadataDoc `yaml:"metadata"`
}

// ExprDoc is one node of the YAML expression tree. Exactly one of
// Float, Bool, Signal, Window, Binary, Unary, or GeohashChanged must be
// set; toNode rejects a node with zero or more than one populated.
type ExprDoc struct {
	Float          *float64            `yaml:"float,omitempty"`
	Bool           *bool               `yaml:"bool,omitempty"`
	Signal         *uint32             `yaml:"signal,omitempty"`
	Window         *WindowExprDoc      `yaml:"window,omitempty"`
	Binary         *BinaryExprDoc     `yaml:"binary,omitempty"`
	Unary          *UnaryExprDoc      `yaml:"unary,omitempty"`
	GeohashChanged *GeohashChangedDoc `yaml:"geohash_changed,omitempty"`
}

// WindowExprDoc mirrors expr.KindWindow.
type WindowExprDoc struct {
	Signal uint32 `yaml:"signal"`
	Func   string `yaml:"func"`
}

// BinaryExprDoc mirrors expr.KindBinary.
type BinaryExprDoc struct {
	Op    string   `yaml:"op"`
	Left  *ExprDoc `yaml:"left"`
	Right *ExprDoc `yaml:"right"`
}

// UnaryExprDoc mirrors expr.KindUnary.
type UnaryExprDoc struct {
	Op    string   `yaml:"op"`
	Inner *ExprDoc `yaml:"inner"`
}

// GeohashChangedDoc mirrors expr.KindGeohashChanged.
type GeohashChangedDoc struct {
	Precision int `yaml:"precision"`
}
