package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/rickgao/livedata/internal/api"
	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
)

func ric(v string) model.ExternalID { return model.NewExternalID("RIC", v) }

func TestDomainResolver(t *testing.T) {
	r := NewDomainResolver("RIC", normalization.NewRegistry("Std"))

	tests := []struct {
		name    string
		spec    model.LiveDataSpec
		want    model.LiveDataSpec
		wantErr bool
	}{
		{
			name: "native id with default rule set",
			spec: model.NewLiveDataSpec("", ric("AAPL.O"), model.NewExternalID("BBG", "AAPL US Equity")),
			want: model.NewLiveDataSpec("Std", ric("AAPL.O")),
		},
		{
			name: "explicit rule set",
			spec: model.NewLiveDataSpec("Raw", ric("IBM.N")),
			want: model.NewLiveDataSpec("Raw", ric("IBM.N")),
		},
		{
			name:    "no native id",
			spec:    model.NewLiveDataSpec("", model.NewExternalID("BBG", "AAPL US Equity")),
			wantErr: true,
		},
		{
			name:    "unknown rule set",
			spec:    model.NewLiveDataSpec("Bogus", ric("IBM.N")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.spec)
			if tt.wantErr {
				if !errors.Is(err, ErrNotResolved) {
					t.Errorf("error = %v, want ErrNotResolved", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

type mockLookup struct {
	instruments map[string]*api.Instrument
	err         error
	calls       int
}

func (m *mockLookup) LookupInstrument(_ context.Context, scheme, value string) (*api.Instrument, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if inst, ok := m.instruments[scheme+"~"+value]; ok {
		return inst, nil
	}
	return nil, api.ErrInstrumentNotFound
}

func TestRefDataResolver(t *testing.T) {
	lookup := &mockLookup{instruments: map[string]*api.Instrument{
		"BBG~AAPL US Equity": {SecurityKey: "AAPL.O", Scheme: "RIC", Status: "active"},
		"BBG~DEAD US Equity": {SecurityKey: "DEAD.N", Scheme: "RIC", Status: "delisted"},
	}}
	r := NewRefDataResolver("RIC", lookup, normalization.NewRegistry("Std"), nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, model.NewLiveDataSpec("", model.NewExternalID("BBG", "AAPL US Equity")))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !got.Equal(model.NewLiveDataSpec("Std", ric("AAPL.O"))) {
		t.Errorf("Resolve = %v", got)
	}

	calls := lookup.calls
	if _, err := r.Resolve(ctx, model.NewLiveDataSpec("", ric("IBM.N"))); err != nil {
		t.Fatalf("Resolve native failed: %v", err)
	}
	if lookup.calls != calls {
		t.Error("native identifier should not hit reference data")
	}

	_, err = r.Resolve(ctx, model.NewLiveDataSpec("", model.NewExternalID("BBG", "DEAD US Equity")))
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("non-tradable: error = %v, want ErrNotResolved", err)
	}

	lookup.err = errors.New("connection refused")
	_, err = r.Resolve(ctx, model.NewLiveDataSpec("", model.NewExternalID("BBG", "X")))
	if err == nil || errors.Is(err, ErrNotResolved) {
		t.Errorf("lookup failure: error = %v, want wrapped transport error", err)
	}
}

func TestNaiveResolver(t *testing.T) {
	ds, err := NaiveResolver{}.Resolve(model.NewLiveDataSpec("Std", ric("AAPL.O")))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ds.Address != "[RIC~AAPL.O]/Std" || ds.MarketDataID != ric("AAPL.O") || ds.RuleSetID != "Std" {
		t.Errorf("Resolve = %+v", ds)
	}

	if _, err := (NaiveResolver{}).Resolve(model.LiveDataSpec{}); !errors.Is(err, ErrEmptySpec) {
		t.Errorf("error = %v, want ErrEmptySpec", err)
	}
}

func TestTopicResolver(t *testing.T) {
	tests := []struct {
		prefix string
		spec   model.LiveDataSpec
		want   string
	}{
		{"LiveData", model.NewLiveDataSpec("Std", ric("AAPL.O")), "LiveData.RIC.AAPL_O.Std"},
		{"", model.NewLiveDataSpec("", ric("IBM.N")), "RIC.IBM_N"},
		{"md", model.NewLiveDataSpec("Raw", model.NewExternalID("BBG", "VOD LN Equity")), "md.BBG.VOD_LN_Equity.Raw"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ds, err := TopicResolver{Prefix: tt.prefix}.Resolve(tt.spec)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if ds.Address != tt.want {
				t.Errorf("Address = %q, want %q", ds.Address, tt.want)
			}
		})
	}
}

type countingResolver struct {
	calls int
	next  DistributionResolver
}

func (c *countingResolver) Resolve(fq model.LiveDataSpec) (model.DistributionSpec, error) {
	c.calls++
	return c.next.Resolve(fq)
}

func TestCachingResolver(t *testing.T) {
	inner := &countingResolver{next: TopicResolver{Prefix: "LD"}}
	r, err := NewCachingResolver(inner, 2)
	if err != nil {
		t.Fatalf("NewCachingResolver failed: %v", err)
	}

	a := model.NewLiveDataSpec("Std", ric("AAPL.O"))
	b := model.NewLiveDataSpec("Std", ric("IBM.N"))
	c := model.NewLiveDataSpec("Std", ric("MSFT.O"))

	first, _ := r.Resolve(a)
	second, _ := r.Resolve(a)
	if first != second {
		t.Errorf("cached result differs: %v vs %v", first, second)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}

	r.Resolve(b)
	r.Resolve(c) // evicts a
	r.Resolve(a)
	if inner.calls != 4 {
		t.Errorf("inner calls = %d, want 4", inner.calls)
	}

	stats := r.Stats()
	if stats.Size != 2 || stats.Hits != 1 || stats.Misses != 4 {
		t.Errorf("Stats() = %+v", stats)
	}

	if _, err := r.Resolve(model.LiveDataSpec{}); err == nil {
		t.Error("expected error for empty spec")
	}
	if r.Stats().Size != 2 {
		t.Error("errors should not be cached")
	}

	if _, err := NewCachingResolver(inner, 0); err == nil {
		t.Error("expected error for zero size")
	}
}
