package dedup

import "testing"

func TestSeen_FirstFalseSecondTrue(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Seen("abc") {
		t.Fatal("expected first sighting to return false")
	}
	if !c.Seen("abc") {
		t.Fatal("expected second sighting to return true")
	}
}

func TestForget_AllowsReentry(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Seen("abc")
	c.Forget("abc")
	if c.Seen("abc") {
		t.Fatal("expected id forgotten to be treated as unseen")
	}
}

func TestLen_Eviction(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	if c.Len() > 2 {
		t.Fatalf("expected bounded length <= 2, got %d", c.Len())
	}
}
