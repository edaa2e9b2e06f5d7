package validator

import (
	"context"
	"time"

	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/proxypool/model"
)

// Outcome is the probe result for one record.
type Outcome struct {
	ID     string
	Result probe.Result
	At     time.Time
}

type Validator struct {
	prober      *probe.Prober
	concurrency int
}

func NewValidator(prober *probe.Prober, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = probe.DefaultConcurrency
	}
	return &Validator{prober: prober, concurrency: concurrency}
}

// Validate probes every record and returns the outcomes in input order. The
// records themselves are not modified; callers apply the outcomes under
// their own lock. onResult, when non-nil, is called as each probe finishes
// and may be called concurrently.
func (v *Validator) Validate(ctx context.Context, records []*model.Record, onResult func(Outcome)) []Outcome {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(records) == 0 {
		return nil
	}
	l.Info().Int("count", len(records)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	outcomes := make([]Outcome, len(records))
	targets := make([]probe.Target, 0, len(records))
	index := make([]int, 0, len(records))
	for i, r := range records {
		outcomes[i].ID = r.ID
		t, err := r.Target()
		if err != nil {
			// 存储文件被手工改坏时才会出现
			outcomes[i].Result = probe.Result{Kind: probe.KindProtocolViolation, Err: err}
			outcomes[i].At = time.Now()
			continue
		}
		targets = append(targets, t)
		index = append(index, i)
	}

	v.prober.ProbeEach(ctx, targets, v.concurrency, func(j int, res probe.Result) {
		i := index[j]
		outcomes[i].Result = res
		outcomes[i].At = time.Now()
		if onResult != nil {
			onResult(outcomes[i])
		}
	})

	alive := 0
	for _, o := range outcomes {
		if o.Result.Success {
			alive++
		}
	}
	l.Info().Int("count", len(records)).Int("alive", alive).Msg("Validation batch finished.")
	return outcomes
}
