package db

import (
	"context"
	"errors"
	"testing"
)

func TestRunChecks_AllHealthy(t *testing.T) {
	ok := func(context.Context) error { return nil }
	body, healthy := runChecks(context.Background(), []Check{
		{Name: "database", Ping: ok},
		{Name: "redis", Ping: ok},
	})

	if !healthy {
		t.Fatal("expected healthy")
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]string)
	if checks["redis"] != "ok" {
		t.Errorf("expected redis ok, got %q", checks["redis"])
	}
}

func TestRunChecks_OneFailing(t *testing.T) {
	body, healthy := runChecks(context.Background(), []Check{
		{Name: "database", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	})

	if healthy {
		t.Fatal("expected unhealthy")
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected status unhealthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]string)
	if checks["redis"] != "connection refused" {
		t.Errorf("expected redis error message, got %q", checks["redis"])
	}
	if checks["database"] != "ok" {
		t.Errorf("expected database ok, got %q", checks["database"])
	}
}
