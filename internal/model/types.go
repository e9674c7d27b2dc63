package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier is returned when an identifier string cannot be parsed.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// ExternalID is a value scoped to an identification scheme (e.g. RIC, BBG, TICKER).
type ExternalID struct {
	Scheme string
	Value  string
}

// NewExternalID creates an identifier.
func NewExternalID(scheme, value string) ExternalID {
	return ExternalID{Scheme: scheme, Value: value}
}

// ParseExternalID parses "SCHEME~VALUE".
func ParseExternalID(s string) (ExternalID, error) {
	scheme, value, ok := strings.Cut(s, "~")
	if !ok || scheme == "" || value == "" {
		return ExternalID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return ExternalID{Scheme: scheme, Value: value}, nil
}

func (id ExternalID) String() string {
	return id.Scheme + "~" + id.Value
}

// IsZero reports whether the identifier is unset.
func (id ExternalID) IsZero() bool {
	return id.Scheme == "" && id.Value == ""
}

func compareExternalID(a, b ExternalID) int {
	if c := strings.Compare(a.Scheme, b.Scheme); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// -----------------------------------------------------------------------------
// Specifications
// -----------------------------------------------------------------------------

// LiveDataSpec is an unordered, immutable set of identifiers plus an optional
// normalization rule set id. It is used both for requested (possibly
// ambiguous) and fully qualified (resolved) specifications.
type LiveDataSpec struct {
	ids       []ExternalID // sorted, no duplicates
	ruleSetID string
}

// NewLiveDataSpec creates a specification. Identifier order does not matter.
func NewLiveDataSpec(ruleSetID string, ids ...ExternalID) LiveDataSpec {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, compareExternalID)
	sorted = slices.Compact(sorted)
	return LiveDataSpec{ids: sorted, ruleSetID: ruleSetID}
}

// IDs returns a copy of the identifier set in canonical order.
func (s LiveDataSpec) IDs() []ExternalID {
	return slices.Clone(s.ids)
}

// RuleSetID returns the normalization rule set id ("" if unspecified).
func (s LiveDataSpec) RuleSetID() string {
	return s.ruleSetID
}

// Identifier returns the value for the given scheme.
func (s LiveDataSpec) Identifier(scheme string) (string, bool) {
	for _, id := range s.ids {
		if id.Scheme == scheme {
			return id.Value, true
		}
	}
	return "", false
}

// WithRuleSet returns a copy with the given rule set id.
func (s LiveDataSpec) WithRuleSet(ruleSetID string) LiveDataSpec {
	return LiveDataSpec{ids: s.ids, ruleSetID: ruleSetID}
}

// IsEmpty reports whether the specification has no identifiers.
func (s LiveDataSpec) IsEmpty() bool {
	return len(s.ids) == 0
}

// Key returns a canonical string usable as a map key. Two specifications are
// equal iff their keys are equal.
func (s LiveDataSpec) Key() string {
	var b strings.Builder
	for i, id := range s.ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id.String())
	}
	b.WriteByte('|')
	b.WriteString(s.ruleSetID)
	return b.String()
}

// Equal reports whether two specifications have the same identifiers and rule set.
func (s LiveDataSpec) Equal(other LiveDataSpec) bool {
	return s.ruleSetID == other.ruleSetID && slices.Equal(s.ids, other.ids)
}

func (s LiveDataSpec) String() string {
	ids := make([]string, len(s.ids))
	for i, id := range s.ids {
		ids[i] = id.String()
	}
	if s.ruleSetID == "" {
		return "[" + strings.Join(ids, ", ") + "]"
	}
	return "[" + strings.Join(ids, ", ") + "]/" + s.ruleSetID
}

type liveDataSpecJSON struct {
	IDs     []string `json:"ids"`
	RuleSet string   `json:"rule_set,omitempty"`
}

// MarshalJSON encodes as {"ids":["RIC~AAPL.O"],"rule_set":"..."}.
func (s LiveDataSpec) MarshalJSON() ([]byte, error) {
	out := liveDataSpecJSON{IDs: make([]string, len(s.ids)), RuleSet: s.ruleSetID}
	for i, id := range s.ids {
		out.IDs[i] = id.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (s *LiveDataSpec) UnmarshalJSON(data []byte) error {
	var in liveDataSpecJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ids := make([]ExternalID, 0, len(in.IDs))
	for _, raw := range in.IDs {
		id, err := ParseExternalID(raw)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	*s = NewLiveDataSpec(in.RuleSet, ids...)
	return nil
}

// DistributionSpec identifies one distribution target: a canonical market
// data id, the rule set applied to it and the address consumers listen on.
// It is comparable and may be used directly as a map key.
type DistributionSpec struct {
	MarketDataID ExternalID
	RuleSetID    string
	Address      string
}

// Key returns a canonical string for logging and persistence.
func (d DistributionSpec) Key() string {
	return d.MarketDataID.String() + "|" + d.RuleSetID + "|" + d.Address
}

func (d DistributionSpec) String() string {
	return d.Address
}

// PersistentSubscription is the durable record of a subscription that must
// survive restarts. ID mirrors the security key.
type PersistentSubscription struct {
	ID string `json:"id"`
}

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// Fields is a market data message: field name to value.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ValueUpdate is a normalized message sent to consumers.
type ValueUpdate struct {
	Sequence  int64        `json:"sequence"`
	Address   string       `json:"address"`
	Spec      LiveDataSpec `json:"spec"`
	Fields    Fields       `json:"fields"`
	Timestamp time.Time    `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Requests and Responses
// -----------------------------------------------------------------------------

// SubscriptionType distinguishes how a request is served.
type SubscriptionType string

const (
	SubscriptionNonPersistent SubscriptionType = "NON_PERSISTENT"
	SubscriptionPersistent    SubscriptionType = "PERSISTENT"
	SubscriptionSnapshot      SubscriptionType = "SNAPSHOT"
)

// SubscriptionResult is the per-item outcome of a request.
type SubscriptionResult string

const (
	ResultSuccess       SubscriptionResult = "SUCCESS"
	ResultNotPresent    SubscriptionResult = "NOT_PRESENT"
	ResultNotAuthorized SubscriptionResult = "NOT_AUTHORIZED"
	ResultInternalError SubscriptionResult = "INTERNAL_ERROR"
)

// SubscriptionRequest is a batch of specifications requested by one user.
type SubscriptionRequest struct {
	CorrelationID uuid.UUID        `json:"correlation_id"`
	User          string           `json:"user"`
	Type          SubscriptionType `json:"type"`
	Specs         []LiveDataSpec   `json:"specs"`
}

// SubscriptionResponse is the outcome for one requested specification.
type SubscriptionResponse struct {
	Requested      LiveDataSpec       `json:"requested"`
	FullyQualified *LiveDataSpec      `json:"fully_qualified,omitempty"`
	Result         SubscriptionResult `json:"result"`
	Message        string             `json:"message,omitempty"`
	Address        string             `json:"address,omitempty"`
	Snapshot       *ValueUpdate       `json:"snapshot,omitempty"`
}

// SubscriptionResponseMsg answers a SubscriptionRequest, one response per spec.
type SubscriptionResponseMsg struct {
	CorrelationID uuid.UUID              `json:"correlation_id"`
	User          string                 `json:"user"`
	Responses     []SubscriptionResponse `json:"responses"`
}
