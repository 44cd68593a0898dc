package routine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveRule validates and upserts a rule. A blank id creates a new rule.
func (s *Service) SaveRule(ctx context.Context, r Rule) (Rule, error) {
	start := time.Now()
	r.ID = strings.TrimSpace(r.ID)
	r.Title = strings.TrimSpace(r.Title)
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	now := s.clock.Now()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	} else if prev, err := s.store.GetRule(ctx, r.ID); err == nil {
		r.CreatedAt = prev.CreatedAt
	} else if !isNotFound(err) {
		return Rule{}, storageErr("get rule", err)
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	err := s.store.PutRule(ctx, r)
	if err != nil {
		err = storageErr("put rule", err)
	}
	s.audit(ctx, "", "rule.save", r.ID, start, err)
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

// DeactivateRule logically deletes a rule: no new tasks, existing ones stay valid.
func (s *Service) DeactivateRule(ctx context.Context, id string) (Rule, error) {
	start := time.Now()
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return Rule{}, lookupErr("rule", id, "get rule", err)
	}
	if !r.Active {
		return r, nil
	}
	r.Active = false
	r.UpdatedAt = s.clock.Now()
	if err := s.store.PutRule(ctx, r); err != nil {
		err = storageErr("put rule", err)
		s.audit(ctx, "", "rule.deactivate", id, start, err)
		return Rule{}, err
	}
	s.audit(ctx, "", "rule.deactivate", id, start, nil)
	return r, nil
}

// ListRules returns all rules ordered for presentation.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	rs, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, storageErr("list rules", err)
	}
	SortRules(rs)
	return rs, nil
}

// SortRules orders by SortOrder, then Title, then ID.
func SortRules(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].SortOrder != rs[j].SortOrder {
			return rs[i].SortOrder < rs[j].SortOrder
		}
		if rs[i].Title != rs[j].Title {
			return rs[i].Title < rs[j].Title
		}
		return rs[i].ID < rs[j].ID
	})
}
