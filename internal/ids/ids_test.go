package ids

import "testing"

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed(User)
	if !HasPrefix(id, User) {
		t.Fatalf("expected %q to carry prefix %q", id, User)
	}
	if HasPrefix(id, Role) {
		t.Fatalf("unexpected prefix match for %q", id)
	}
	if got := NewPrefixed(" "); len(got) != 26 {
		t.Fatalf("blank prefix should fall back to a bare ulid, got %q", got)
	}
}
