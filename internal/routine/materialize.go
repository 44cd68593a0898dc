package routine

import (
	"context"
	"time"

	"github.com/google/uuid"

	logx "cadence/pkg/logx"
)

// DefaultHorizonDays is the forward window materialized when none is configured.
const DefaultHorizonDays = 14

// MaterializeResult counts what a materialization run did.
type MaterializeResult struct {
	Created  int
	Existing int
	// InvalidRules counts active rules skipped because their definition is malformed.
	InvalidRules int
}

func (r *MaterializeResult) add(o MaterializeResult) {
	r.Created += o.Created
	r.Existing += o.Existing
	r.InvalidRules += o.InvalidRules
}

// Materializer turns rules into stored task instances for one enrollment.
type Materializer struct {
	store Store
	log   logx.Logger
	now   func() time.Time
	newID func() string
}

func NewMaterializer(store Store, log logx.Logger) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Materializer{store: store, log: log, now: time.Now, newID: uuid.NewString}
}

// Materialize upserts every due task of the active rules in [asOf, asOf+horizonDays].
//
// Existing tasks are never touched. A storage error stops the run and is
// returned together with the counts so far; a later run fills the gap.
func (m *Materializer) Materialize(ctx context.Context, e Enrollment, rules []Rule, asOf Date, horizonDays int) (MaterializeResult, error) {
	var res MaterializeResult
	if horizonDays < 0 {
		return res, invalid("horizon_days", "must be >= 0, got %d", horizonDays)
	}
	if asOf.IsZero() {
		return res, invalid("as_of", "is required")
	}
	end := asOf.AddDays(horizonDays)

	for _, r := range rules {
		if !r.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dates, err := DueDates(r, e, asOf, end)
		if err != nil {
			res.InvalidRules++
			m.log.Warn("rule skipped: invalid definition",
				logx.String("rule", r.ID),
				logx.String("enrollment", e.ID),
				logx.Err(err),
			)
			continue
		}
		for _, d := range dates {
			key := TaskKey{EnrollmentID: e.ID, RuleID: r.ID, DueDate: d}
			created, err := m.store.UpsertTaskIfAbsent(ctx, key, TaskFields{ID: m.newID(), CreatedAt: m.now()})
			if err != nil {
				return res, storageErr("upsert task "+key.String(), err)
			}
			if created {
				res.Created++
			} else {
				res.Existing++
			}
		}
	}

	m.log.Debug("enrollment materialized",
		logx.String("enrollment", e.ID),
		logx.Stringer("from", asOf),
		logx.Stringer("to", end),
		logx.Int("created", res.Created),
		logx.Int("existing", res.Existing),
	)
	return res, nil
}
