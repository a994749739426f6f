package clinic

import (
	"context"
	"errors"
	"strings"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create adds an active clinic.
func (s *Service) Create(ctx context.Context, c *Clinic) error {
	c.Code = NormalizeCode(c.Code)
	c.Name = strings.TrimSpace(c.Name)
	if err := c.Validate(); err != nil {
		return err
	}
	c.Active = true
	return s.repo.Create(ctx, c)
}

func (s *Service) Get(ctx context.Context, code string) (*Clinic, error) {
	return s.repo.GetByCode(ctx, NormalizeCode(code))
}

func (s *Service) Update(ctx context.Context, code string, u Update) (*Clinic, error) {
	c, err := s.repo.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		c.Name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		c.Description = u.Description
	}
	if u.Active != nil {
		c.Active = *u.Active
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Activate(ctx context.Context, code string) (*Clinic, error) {
	active := true
	return s.Update(ctx, code, Update{Active: &active})
}

// Deactivate is the clinic "delete"; rows are kept for history.
func (s *Service) Deactivate(ctx context.Context, code string) (*Clinic, error) {
	inactive := false
	return s.Update(ctx, code, Update{Active: &inactive})
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Clinic, error) {
	return s.repo.List(ctx, activeOnly)
}

// IsActive reports whether code names an active clinic. Unknown codes are
// simply inactive.
func (s *Service) IsActive(ctx context.Context, code string) (bool, error) {
	c, err := s.repo.GetByCode(ctx, NormalizeCode(code))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Active, nil
}

func (s *Service) ListActive(ctx context.Context) ([]*Clinic, error) {
	return s.repo.List(ctx, true)
}
