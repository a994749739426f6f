package flow

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeyedMutex_ExcludesSameKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("opd:opd1")

	acquired := make(chan struct{})
	go func() {
		u := k.lock("opd:opd1", "patient:x")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the key")
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("opd:opd1")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		k.lock("opd:opd2")()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
}

func TestKeyedMutex_DuplicateKeysAndCleanup(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a", "a", "", "b")
	if k.size() != 2 {
		t.Fatalf("expected 2 held keys, got %d", k.size())
	}
	unlock()
	if k.size() != 0 {
		t.Fatalf("expected all keys released, got %d", k.size())
	}
}

func TestUniqueSorted(t *testing.T) {
	got := uniqueSorted([]string{"patient:1", "opd:opd2", "", "opd:opd1", "opd:opd2"})
	want := []string{"opd:opd1", "opd:opd2", "patient:1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLockKeysOrderClinicsFirst(t *testing.T) {
	keys := uniqueSorted([]string{patientKey(uuid.New()), clinicKey("zz")})
	if keys[0] != "opd:zz" {
		t.Fatalf("clinic keys must sort before patient keys, got %v", keys)
	}
}
