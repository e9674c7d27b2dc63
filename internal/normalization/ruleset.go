package normalization

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/livedata/internal/model"
)

// ErrNormalization wraps any failure raised by a rule.
var ErrNormalization = errors.New("normalization failed")

// Well-known rule set ids.
const (
	RawRuleSetID      = "Raw"
	StandardRuleSetID = "Std"
)

// RuleSet is an ordered, named list of rules.
type RuleSet struct {
	id    string
	rules []Rule
}

// NewRuleSet creates a rule set.
func NewRuleSet(id string, rules ...Rule) *RuleSet {
	return &RuleSet{id: id, rules: rules}
}

// ID returns the rule set id.
func (rs *RuleSet) ID() string {
	return rs.id
}

// Normalize updates history with the raw fields, then applies every rule to a
// copy of raw. It returns nil when the message is suppressed.
func (rs *RuleSet) Normalize(raw model.Fields, securityKey string, history *FieldHistoryStore) (model.Fields, error) {
	if history != nil {
		history.Update(raw)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	msg := raw.Clone()
	for _, rule := range rs.rules {
		out, err := rule.Apply(msg, securityKey, history)
		if err != nil {
			return nil, fmt.Errorf("%w: rule set %s: %v", ErrNormalization, rs.id, err)
		}
		if len(out) == 0 {
			return nil, nil
		}
		msg = out
	}
	return msg, nil
}

// StandardRuleSet maps common feed field names onto the normalized vocabulary
// (bid, ask, mid, last, volume, ts) and drops everything else.
func StandardRuleSet(now func() time.Time) *RuleSet {
	return standardRuleSet(StandardRuleSetID, now)
}

func standardRuleSet(id string, now func() time.Time) *RuleSet {
	return NewRuleSet(id,
		FieldRename{
			"BID":       "bid",
			"ASK":       "ask",
			"TRDPRC_1":  "last",
			"ACVOL_1":   "volume",
			"VOL_DELTA": "volume_delta",
		},
		CumulativeVolume{DeltaField: "volume_delta", TotalField: "volume", StateKey: id + ":volume"},
		MidPrice{Bid: "bid", Ask: "ask", Mid: "mid", Places: 6},
		NewFieldFilter("bid", "ask", "mid", "last", "volume"),
		FieldTimestamp{Field: "ts", Now: now},
	)
}

// ScaledRuleSet is the standard rule set with prices multiplied by factor,
// for feeds quoting in minor units (e.g. pence, cents).
func ScaledRuleSet(id string, factor decimal.Decimal, now func() time.Time) *RuleSet {
	std := standardRuleSet(id, now)
	rules := make([]Rule, 0, len(std.rules)+3)
	rules = append(rules, std.rules[:2]...)
	for _, f := range []string{"bid", "ask", "last"} {
		rules = append(rules, DecimalScale{Field: f, Factor: factor, Places: 6})
	}
	rules = append(rules, std.rules[2:]...)
	return NewRuleSet(id, rules...)
}

// Registry holds rule sets by id.
type Registry struct {
	mu        sync.RWMutex
	sets      map[string]*RuleSet
	defaultID string
}

// NewRegistry creates a registry containing the Raw and Std rule sets.
// defaultID is applied to requests that name no rule set.
func NewRegistry(defaultID string) *Registry {
	if defaultID == "" {
		defaultID = StandardRuleSetID
	}
	r := &Registry{
		sets:      make(map[string]*RuleSet),
		defaultID: defaultID,
	}
	r.Register(NewRuleSet(RawRuleSetID))
	r.Register(StandardRuleSet(nil))
	return r
}

// Register adds or replaces a rule set.
func (r *Registry) Register(rs *RuleSet) {
	r.mu.Lock()
	r.sets[rs.ID()] = rs
	r.mu.Unlock()
}

// Get returns the rule set with the given id.
func (r *Registry) Get(id string) (*RuleSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.sets[id]
	return rs, ok
}

// Has reports whether a rule set is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// DefaultID returns the rule set applied when none is requested.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// IDs returns all registered rule set ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sets))
	for id := range r.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
