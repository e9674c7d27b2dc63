package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
)

// MarketDataDistributor normalizes ticks for one distribution target and
// hands them to the senders.
type MarketDataDistributor struct {
	spec           model.DistributionSpec
	fullyQualified model.LiveDataSpec
	sub            *Subscription
	ruleSet        *normalization.RuleSet
	senders        []MarketDataSender
	observer       Observer
	sendTimeout    time.Duration
	now            func() time.Time
	logger         *slog.Logger

	sequence atomic.Int64
	sent     atomic.Int64

	lkvMu sync.RWMutex
	lkv   *model.ValueUpdate
}

// DistributionSpec returns the target this distributor publishes to.
func (d *MarketDataDistributor) DistributionSpec() model.DistributionSpec { return d.spec }

// FullyQualifiedSpec returns the resolved specification served.
func (d *MarketDataDistributor) FullyQualifiedSpec() model.LiveDataSpec { return d.fullyQualified }

// Subscription returns the owning subscription.
func (d *MarketDataDistributor) Subscription() *Subscription { return d.sub }

// MessagesSent returns the number of messages handed to senders.
func (d *MarketDataDistributor) MessagesSent() int64 { return d.sent.Load() }

// NormalizedMessage runs raw through the rule set, updating the subscription's
// field history. A nil message means the tick is suppressed.
func (d *MarketDataDistributor) NormalizedMessage(raw model.Fields) (msg model.Fields, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("%w: panic in rule set %s: %v", normalization.ErrNormalization, d.ruleSet.ID(), r)
		}
	}()
	return d.ruleSet.Normalize(raw, d.sub.securityKey, d.sub.history)
}

// UpdateFieldHistory normalizes raw only for its effect on field history.
func (d *MarketDataDistributor) UpdateFieldHistory(raw model.Fields) {
	if _, err := d.NormalizedMessage(raw); err != nil {
		d.logger.Warn("field history update failed", "address", d.spec.Address, "error", err)
	}
}

// DistributeLiveData normalizes raw and sends the result to every sender.
// Failures are logged; one failing sender does not stop the others.
func (d *MarketDataDistributor) DistributeLiveData(raw model.Fields) {
	msg, err := d.NormalizedMessage(raw)
	if err != nil {
		d.logger.Error("normalization failed, dropping tick",
			"security_key", d.sub.securityKey,
			"address", d.spec.Address,
			"error", err,
		)
		d.observer.Distributed(OutcomeNormalizationError)
		return
	}
	if msg == nil {
		d.logger.Debug("tick suppressed by normalization",
			"security_key", d.sub.securityKey,
			"rule_set", d.ruleSet.ID(),
		)
		d.observer.Distributed(OutcomeSuppressed)
		return
	}

	update := model.ValueUpdate{
		Sequence:  d.sequence.Add(1),
		Address:   d.spec.Address,
		Spec:      d.fullyQualified,
		Fields:    msg,
		Timestamp: d.now(),
	}

	d.lkvMu.Lock()
	d.lkv = &update
	d.lkvMu.Unlock()

	for _, sender := range d.senders {
		if err := d.send(sender, update); err != nil {
			d.logger.Error("sender failed",
				"address", d.spec.Address,
				"sequence", update.Sequence,
				"error", err,
			)
			d.observer.Distributed(OutcomeSendError)
			continue
		}
		d.observer.Distributed(OutcomeSent)
	}
	d.sent.Add(1)
}

func (d *MarketDataDistributor) send(sender MarketDataSender, update model.ValueUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	return sender.Send(ctx, update)
}

// LastKnownValue returns the most recent normalized message, or nil.
func (d *MarketDataDistributor) LastKnownValue() *model.ValueUpdate {
	d.lkvMu.RLock()
	defer d.lkvMu.RUnlock()
	if d.lkv == nil {
		return nil
	}
	lkv := *d.lkv
	lkv.Fields = d.lkv.Fields.Clone()
	return &lkv
}
