package clinic

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("clinic not found")
	ErrDuplicate = errors.New("clinic code already exists")
	ErrInvalid   = errors.New("invalid clinic data")
)

type Repository interface {
	Create(ctx context.Context, c *Clinic) error
	GetByCode(ctx context.Context, code string) (*Clinic, error)
	Update(ctx context.Context, c *Clinic) error
	List(ctx context.Context, activeOnly bool) ([]*Clinic, error)
}
