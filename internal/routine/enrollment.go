package routine

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// EnrollInput describes a new client. ExternalClientID and MonthlyValue are optional.
type EnrollInput struct {
	CompanyName      string
	ResponsibleName  string
	MonthlyValue     *int64
	ExternalClientID string
}

// RandomVariant picks a variant uniformly at random.
func RandomVariant() Variant { return Variants[rand.IntN(len(Variants))] }

// Enroll creates an active enrollment starting today with a random variant
// and materializes its first window. The enrollment is persisted even when
// the initial materialization fails; the next batch run fills the window.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (Enrollment, MaterializeResult, error) {
	start := time.Now()
	now := s.clock.Now()
	e := Enrollment{
		ID:               uuid.NewString(),
		ExternalClientID: strings.TrimSpace(in.ExternalClientID),
		CompanyName:      strings.TrimSpace(in.CompanyName),
		ResponsibleName:  strings.TrimSpace(in.ResponsibleName),
		Status:           EnrollmentActive,
		Variant:          s.pick(),
		StartDate:        DateOf(now),
		MonthlyValue:     in.MonthlyValue,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Validate(); err != nil {
		return Enrollment{}, MaterializeResult{}, err
	}

	if !s.config().DisableSeeding {
		if _, err := s.SeedDefaultRulesIfEmpty(ctx); err != nil {
			return Enrollment{}, MaterializeResult{}, err
		}
	}
	if err := s.store.CreateEnrollment(ctx, e); err != nil {
		err = storageErr("create enrollment", err)
		s.audit(ctx, "", "enrollment.create", e.ID, start, err)
		return Enrollment{}, MaterializeResult{}, err
	}
	s.audit(ctx, "", "enrollment.create", e.ID, start, nil)
	s.publish(eventbus.TypeEnrollmentCreated, map[string]any{"enrollment": e.ID, "variant": string(e.Variant)})
	s.log.Info("client enrolled",
		logx.String("enrollment", e.ID),
		logx.String("company", e.CompanyName),
		logx.String("variant", string(e.Variant)),
	)

	rules, err := s.store.FindActiveRules(ctx)
	if err != nil {
		return e, MaterializeResult{}, storageErr("find active rules", err)
	}
	res, err := s.materialize(ctx, e, rules)
	return e, res, err
}

// GetEnrollment returns one enrollment.
func (s *Service) GetEnrollment(ctx context.Context, id string) (Enrollment, error) {
	e, err := s.store.FindEnrollment(ctx, id)
	if err != nil {
		return Enrollment{}, lookupErr("enrollment", id, "find enrollment", err)
	}
	return e, nil
}

// Pause excludes an active enrollment from materialization. Its pending
// tasks stay in place.
func (s *Service) Pause(ctx context.Context, id string) (Enrollment, error) {
	return s.setStatus(ctx, id, "pause", EnrollmentPaused, func(cur EnrollmentStatus) (bool, error) {
		switch cur {
		case EnrollmentPaused:
			return false, nil
		case EnrollmentActive:
			return true, nil
		default:
			return false, &ConflictError{Kind: "enrollment", ID: id, From: string(cur), Action: "pause"}
		}
	})
}

// Resume reactivates a paused enrollment and materializes its window right away.
func (s *Service) Resume(ctx context.Context, id string) (Enrollment, error) {
	e, err := s.setStatus(ctx, id, "resume", EnrollmentActive, func(cur EnrollmentStatus) (bool, error) {
		switch cur {
		case EnrollmentActive:
			return false, nil
		case EnrollmentPaused:
			return true, nil
		default:
			return false, &ConflictError{Kind: "enrollment", ID: id, From: string(cur), Action: "resume"}
		}
	})
	if err != nil {
		return e, err
	}
	if _, err := s.MaterializeForEnrollment(ctx, id); err != nil {
		s.log.Warn("materialization after resume failed", logx.String("enrollment", id), logx.Err(err))
	}
	return e, nil
}

// Remove cancels an enrollment. History is kept.
func (s *Service) Remove(ctx context.Context, id string) (Enrollment, error) {
	return s.setStatus(ctx, id, "remove", EnrollmentCancelled, func(cur EnrollmentStatus) (bool, error) {
		return cur != EnrollmentCancelled, nil
	})
}

func (s *Service) setStatus(ctx context.Context, id, action string, to EnrollmentStatus, allow func(EnrollmentStatus) (bool, error)) (Enrollment, error) {
	start := time.Now()
	cur, err := s.store.FindEnrollment(ctx, id)
	if err != nil {
		return Enrollment{}, lookupErr("enrollment", id, "find enrollment", err)
	}
	write, err := allow(cur.Status)
	if err != nil {
		return Enrollment{}, err
	}
	if !write {
		return cur, nil
	}
	next, err := s.store.UpdateEnrollmentStatus(ctx, id, to, s.clock.Now())
	if err != nil {
		err = lookupErr("enrollment", id, "update enrollment status", err)
	}
	s.audit(ctx, "", "enrollment."+action, id, start, err)
	if err != nil {
		return Enrollment{}, err
	}
	s.publish(eventbus.TypeEnrollmentStatus, map[string]any{"enrollment": id, "from": string(cur.Status), "to": string(to)})
	s.log.Info("enrollment status changed", logx.String("enrollment", id), logx.String("from", string(cur.Status)), logx.String("to", string(to)))
	return next, nil
}
