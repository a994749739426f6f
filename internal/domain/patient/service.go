package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks registration input that failed validation.
var ErrInvalid = errors.New("invalid patient data")

const maxAge = 150

// Transactor runs fn in one database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Journal records the registration step in the patient's flow history.
type Journal interface {
	RecordRegistration(ctx context.Context, p *Patient) error
}

type Service struct {
	repo    Repository
	tx      Transactor
	journal Journal
	region  string
	loc     *time.Location
	now     func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, region: "IN", loc: time.UTC, now: time.Now}
}

func (s *Service) SetTransactor(tx Transactor) { s.tx = tx }

func (s *Service) SetJournal(j Journal) { s.journal = j }

func (s *Service) SetPhoneRegion(region string) { s.region = region }

// SetLocation sets the zone whose calendar day numbers tokens.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Registration is the input of Register.
type Registration struct {
	Name  string `json:"name"`
	Age   int    `json:"age"`
	Phone string `json:"phone"`
}

func (r Registration) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if r.Age < 0 || r.Age > maxAge {
		return fmt.Errorf("%w: age must be between 0 and %d", ErrInvalid, maxAge)
	}
	return nil
}

// Register creates a PENDING patient with the next token of the day.
func (s *Service) Register(ctx context.Context, reg Registration) (*Patient, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(reg.Phone, s.region)
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	p := &Patient{
		Name:         strings.TrimSpace(reg.Name),
		Age:          reg.Age,
		Phone:        phone,
		RegisteredAt: now,
		Status:       StatusPending,
		CurrentRoom:  Str(RoomRegistration),
	}

	err = s.withinTx(ctx, func(ctx context.Context) error {
		token, err := s.repo.NextTokenNumber(ctx, now)
		if err != nil {
			return err
		}
		p.Token = token
		if err := s.repo.Create(ctx, p); err != nil {
			return fmt.Errorf("create patient: %w", err)
		}
		if s.journal != nil {
			return s.journal.RecordRegistration(ctx, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithinTx(ctx, fn)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	if filter.Status != "" {
		st, err := ParseStatus(string(filter.Status))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		filter.Status = st
	}
	return s.repo.List(ctx, filter, limit, offset)
}
