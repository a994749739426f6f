package clinic

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// -- Mock Repository --

type mockRepo struct {
	clinics map[string]*Clinic
}

func newMockRepo() *mockRepo {
	return &mockRepo{clinics: make(map[string]*Clinic)}
}

func (m *mockRepo) Create(_ context.Context, c *Clinic) error {
	if _, ok := m.clinics[c.Code]; ok {
		return ErrDuplicate
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.clinics[c.Code] = &cp
	return nil
}

func (m *mockRepo) GetByCode(_ context.Context, code string) (*Clinic, error) {
	c, ok := m.clinics[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, c *Clinic) error {
	if _, ok := m.clinics[c.Code]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	m.clinics[c.Code] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, activeOnly bool) ([]*Clinic, error) {
	var list []*Clinic
	for _, c := range m.clinics {
		if activeOnly && !c.Active {
			continue
		}
		cp := *c
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list, nil
}

func newTestService() *Service {
	return NewService(newMockRepo())
}

// -- Tests --

func TestCreate(t *testing.T) {
	svc := newTestService()
	c := &Clinic{Code: " OPD1 ", Name: "General Eye"}
	if err := svc.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Code != "opd1" || !c.Active {
		t.Errorf("unexpected clinic %+v", c)
	}

	dup := &Clinic{Code: "opd1", Name: "Other"}
	if err := svc.Create(context.Background(), dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService()
	for _, c := range []*Clinic{
		{Code: "", Name: "X"},
		{Code: "opd 1", Name: "X"},
		{Code: "opd1", Name: "  "},
	} {
		if err := svc.Create(context.Background(), c); !errors.Is(err, ErrInvalid) {
			t.Errorf("Create(%q,%q) err = %v, want ErrInvalid", c.Code, c.Name, err)
		}
	}
}

func TestDeactivateActivate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	svc.Create(ctx, &Clinic{Code: "opd1", Name: "General"})
	svc.Create(ctx, &Clinic{Code: "opd2", Name: "Retina"})

	if _, err := svc.Deactivate(ctx, "opd2"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	active, _ := svc.IsActive(ctx, "opd2")
	if active {
		t.Error("opd2 should be inactive")
	}
	list, _ := svc.ListActive(ctx)
	if len(list) != 1 || list[0].Code != "opd1" {
		t.Errorf("unexpected active list %v", list)
	}
	all, _ := svc.List(ctx, false)
	if len(all) != 2 {
		t.Errorf("soft delete must keep the row, have %d", len(all))
	}

	if _, err := svc.Activate(ctx, "OPD2"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if active, _ := svc.IsActive(ctx, "opd2"); !active {
		t.Error("opd2 should be active again")
	}
}

func TestIsActive_Unknown(t *testing.T) {
	svc := newTestService()
	active, err := svc.IsActive(context.Background(), "nope")
	if err != nil || active {
		t.Errorf("unknown clinic: active=%v err=%v", active, err)
	}
}

func TestUpdate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	svc.Create(ctx, &Clinic{Code: "opd1", Name: "General"})

	name := "General Ophthalmology"
	desc := "Ground floor"
	c, err := svc.Update(ctx, "opd1", Update{Name: &name, Description: &desc})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.Name != name || *c.Description != desc || !c.Active {
		t.Errorf("unexpected clinic %+v", c)
	}

	empty := ""
	if _, err := svc.Update(ctx, "opd1", Update{Name: &empty}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	got, _ := svc.Get(ctx, "opd1")
	if got.Name != name {
		t.Errorf("failed update changed stored name to %q", got.Name)
	}

	if _, err := svc.Update(ctx, "opd9", Update{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
