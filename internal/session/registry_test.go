package session

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testRegistry(t *testing.T, max int) *Registry {
	t.Helper()
	return NewRegistry(testVerifier(t), max)
}

func admitOne(t *testing.T, r *Registry, sub, jti string) *Session {
	t.Helper()
	tok := mintToken(t, testKey, sub, jti, "instance_1", fixedNow().Add(time.Minute))
	s, err := r.Admit(tok, fixedNow())
	if err != nil {
		t.Fatalf("admit %s: %v", sub, err)
	}
	return s
}

func TestAdmit_TokenIsOneShot(t *testing.T) {
	r := testRegistry(t, 4)
	tok := mintToken(t, testKey, "p1", "jti-1", "instance_1", fixedNow().Add(time.Minute))

	s, err := r.Admit(tok, fixedNow())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Admit(tok, fixedNow()); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("second admit err = %v, want ErrDuplicateToken", err)
	}

	// Burned even after the first session goes away.
	r.Remove(s.ID)
	if _, err := r.Admit(tok, fixedNow()); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("admit after remove err = %v, want ErrDuplicateToken", err)
	}
}

func TestAdmit_InstanceFull(t *testing.T) {
	r := testRegistry(t, 2)
	admitOne(t, r, "p1", "jti-1")
	admitOne(t, r, "p2", "jti-2")

	tok := mintToken(t, testKey, "p3", "jti-3", "instance_1", fixedNow().Add(time.Minute))
	if _, err := r.Admit(tok, fixedNow()); !errors.Is(err, ErrInstanceFull) {
		t.Fatalf("err = %v, want ErrInstanceFull", err)
	}
}

func TestAdmit_DrainingRefusesNewSessions(t *testing.T) {
	r := testRegistry(t, 4)
	admitOne(t, r, "p1", "jti-1")

	r.SetDraining()
	tok := mintToken(t, testKey, "p2", "jti-2", "instance_1", fixedNow().Add(time.Minute))
	if _, err := r.Admit(tok, fixedNow()); !errors.Is(err, ErrDraining) {
		t.Fatalf("err = %v, want ErrDraining", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestAdmit_BadTokenBeforeCapacityCheck(t *testing.T) {
	r := testRegistry(t, 0)
	if _, err := r.Admit("garbage", fixedNow()); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
}

func TestAll_StableOrder(t *testing.T) {
	r := testRegistry(t, 8)
	for i := 0; i < 5; i++ {
		admitOne(t, r, fmt.Sprintf("p%d", i), fmt.Sprintf("jti-%d", i))
	}
	a := r.All()
	b := r.All()
	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("len = %d/%d, want 5", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatal("All() order not stable")
		}
		if i > 0 && a[i].ID <= a[i-1].ID {
			t.Fatal("All() not sorted by session id")
		}
	}
}
