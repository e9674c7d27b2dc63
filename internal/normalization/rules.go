package normalization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/livedata/internal/model"
)

// Rule transforms one message. Returning an empty message suppresses it.
type Rule interface {
	Apply(msg model.Fields, securityKey string, history *FieldHistoryStore) (model.Fields, error)
}

// RuleFunc is a function adapter for Rule.
type RuleFunc func(msg model.Fields, securityKey string, history *FieldHistoryStore) (model.Fields, error)

func (f RuleFunc) Apply(msg model.Fields, securityKey string, history *FieldHistoryStore) (model.Fields, error) {
	return f(msg, securityKey, history)
}

// FieldFilter keeps only the listed fields.
type FieldFilter struct {
	keep map[string]struct{}
}

// NewFieldFilter creates a filter keeping the given fields.
func NewFieldFilter(fields ...string) *FieldFilter {
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	return &FieldFilter{keep: keep}
}

func (r *FieldFilter) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	for k := range msg {
		if _, ok := r.keep[k]; !ok {
			delete(msg, k)
		}
	}
	return msg, nil
}

// FieldRename renames fields from the feed's vocabulary to ours.
type FieldRename map[string]string

func (r FieldRename) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	for from, to := range r {
		if v, ok := msg[from]; ok {
			delete(msg, from)
			msg[to] = v
		}
	}
	return msg, nil
}

// RequiredField suppresses messages that lack the named field.
type RequiredField string

func (r RequiredField) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	if _, ok := msg[string(r)]; !ok {
		return nil, nil
	}
	return msg, nil
}

// DecimalScale multiplies a numeric field by Factor, rounding to Places.
type DecimalScale struct {
	Field  string
	Factor decimal.Decimal
	Places int32
}

func (r DecimalScale) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	v, ok := msg[r.Field]
	if !ok {
		return msg, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", r.Field, err)
	}
	msg[r.Field] = d.Mul(r.Factor).Round(r.Places).InexactFloat64()
	return msg, nil
}

// CumulativeVolume converts an incremental volume field into a running total
// kept in the field history. An absolute total in the message resets it.
// Rule sets sharing one history must use distinct StateKeys; it defaults to
// TotalField.
type CumulativeVolume struct {
	DeltaField string
	TotalField string
	StateKey   string
}

func (r CumulativeVolume) stateKey() string {
	if r.StateKey != "" {
		return r.StateKey
	}
	return r.TotalField
}

func (r CumulativeVolume) Apply(msg model.Fields, _ string, history *FieldHistoryStore) (model.Fields, error) {
	if v, ok := msg[r.TotalField]; ok {
		if _, err := toDecimal(v); err != nil {
			return nil, fmt.Errorf("field %s: %w", r.TotalField, err)
		}
		if history != nil {
			history.Set(r.stateKey(), v)
		}
		delete(msg, r.DeltaField)
		return msg, nil
	}

	v, ok := msg[r.DeltaField]
	if !ok {
		return msg, nil
	}
	delta, err := toDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", r.DeltaField, err)
	}

	total := delta
	if history != nil {
		if prev, ok := history.Get(r.stateKey()); ok {
			p, err := toDecimal(prev)
			if err == nil {
				total = p.Add(delta)
			}
		}
	}

	delete(msg, r.DeltaField)
	msg[r.TotalField] = total.InexactFloat64()
	if history != nil {
		history.Set(r.stateKey(), msg[r.TotalField])
	}
	return msg, nil
}

// MidPrice adds the mid of a bid and ask field when both are present.
type MidPrice struct {
	Bid    string
	Ask    string
	Mid    string
	Places int32
}

func (r MidPrice) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	bv, okBid := msg[r.Bid]
	av, okAsk := msg[r.Ask]
	if !okBid || !okAsk {
		return msg, nil
	}
	bid, err := toDecimal(bv)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", r.Bid, err)
	}
	ask, err := toDecimal(av)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", r.Ask, err)
	}
	msg[r.Mid] = bid.Add(ask).Div(decimal.NewFromInt(2)).Round(r.Places).InexactFloat64()
	return msg, nil
}

// FieldTimestamp stamps each message with the time it was normalized (unix ms).
type FieldTimestamp struct {
	Field string
	Now   func() time.Time
}

func (r FieldTimestamp) Apply(msg model.Fields, _ string, _ *FieldHistoryStore) (model.Fields, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	msg[r.Field] = now().UnixMilli()
	return msg, nil
}

// toDecimal converts a field value to a decimal.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Decimal{}, fmt.Errorf("not numeric: %T", v)
	}
}
