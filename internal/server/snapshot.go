package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
)

type snapshotResult struct {
	index int
	resp  model.SubscriptionResponse
}

// Snapshot returns the current value of each spec without subscribing.
// Active subscriptions answer from their last known value; the rest are
// fetched from the feed in one call.
func (s *Server) Snapshot(ctx context.Context, specs []model.LiveDataSpec) []model.SubscriptionResponse {
	out := make([]model.SubscriptionResponse, len(specs))
	items := make([]snapshotItem, 0, len(specs))
	for i, spec := range specs {
		fq, key, err := s.resolve(ctx, spec)
		if err != nil {
			out[i] = errorResponse(spec, model.ResultNotPresent, err.Error())
			continue
		}
		items = append(items, snapshotItem{index: i, requested: spec, fq: fq, key: key})
	}
	for _, r := range s.snapshotItems(ctx, items) {
		out[r.index] = r.resp
	}
	return out
}

func (s *Server) snapshotItems(ctx context.Context, items []snapshotItem) []snapshotResult {
	results := make([]snapshotResult, 0, len(items))
	var pending []snapshotItem
	var keys []string
	seen := make(map[string]struct{})

	for _, item := range items {
		if d := s.distributorFor(item.fq); d != nil {
			if lkv := d.LastKnownValue(); lkv != nil {
				results = append(results, snapshotResult{item.index, snapshotResponse(item, *lkv)})
				continue
			}
		}
		pending = append(pending, item)
		if _, ok := seen[item.key]; !ok {
			seen[item.key] = struct{}{}
			keys = append(keys, item.key)
		}
	}
	if len(pending) == 0 {
		return results
	}

	fail := func(msg string) []snapshotResult {
		for _, item := range pending {
			results = append(results, snapshotResult{item.index, errorResponse(item.requested, model.ResultInternalError, msg)})
		}
		return results
	}

	if !s.Connected() {
		return fail(ErrNotConnected.Error())
	}
	snaps, err := s.feed.Snapshot(ctx, keys)
	if err != nil {
		s.logger.Warn("feed snapshot failed", "keys", len(keys), "error", err)
		return fail(fmt.Sprintf("snapshot failed: %v", err))
	}

	now := s.cfg.Now()
	for _, item := range pending {
		results = append(results, snapshotResult{item.index, s.normalizeSnapshot(item, snaps, now)})
	}
	return results
}

func (s *Server) normalizeSnapshot(item snapshotItem, snaps map[string]model.Fields, now time.Time) model.SubscriptionResponse {
	raw, ok := snaps[item.key]
	if !ok {
		return errorResponse(item.requested, model.ResultNotPresent, fmt.Sprintf("no snapshot available for %s", item.key))
	}
	rs, ok := s.ruleSets.Get(item.fq.RuleSetID())
	if !ok {
		return errorResponse(item.requested, model.ResultInternalError, fmt.Sprintf("%v: %q", ErrNoRuleSet, item.fq.RuleSetID()))
	}
	ds, err := s.dists.Resolve(item.fq)
	if err != nil {
		return errorResponse(item.requested, model.ResultNotPresent, err.Error())
	}

	msg, err := rs.Normalize(raw, item.key, normalization.NewFieldHistoryStore())
	if err != nil {
		return errorResponse(item.requested, model.ResultInternalError, err.Error())
	}
	if msg == nil {
		return errorResponse(item.requested, model.ResultInternalError, "snapshot suppressed by normalization")
	}

	return snapshotResponse(item, model.ValueUpdate{
		Address:   ds.Address,
		Spec:      item.fq,
		Fields:    msg,
		Timestamp: now,
	})
}

func snapshotResponse(item snapshotItem, v model.ValueUpdate) model.SubscriptionResponse {
	fq := item.fq
	return model.SubscriptionResponse{
		Requested:      item.requested,
		FullyQualified: &fq,
		Result:         model.ResultSuccess,
		Address:        v.Address,
		Snapshot:       &v,
	}
}
