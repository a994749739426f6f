package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("patient not found")
	// ErrTokensExhausted means the day's token range is used up.
	ErrTokensExhausted = errors.New("daily token numbers exhausted")
)

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status Status
	Search string
}

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// GetForUpdate reads the row and, inside a transaction, locks it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error)
	// ListReferred returns referred patients, oldest registration first.
	ListReferred(ctx context.Context, from, to string) ([]*Patient, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]*Patient, error)
	// ListRegisteredBetween returns patients registered in [from, to).
	ListRegisteredBetween(ctx context.Context, from, to time.Time) ([]*Patient, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// NextTokenNumber allocates the next token of the given day.
	NextTokenNumber(ctx context.Context, day time.Time) (string, error)
}
