package syncstate

import "testing"

func TestUIDClassification(t *testing.T) {
	cases := []struct {
		u                                    UID
		none, skip, pending, present, holder bool
	}{
		{UIDNone, true, false, false, false, true},
		{UIDSkip, false, true, false, false, true},
		{UIDPending, false, false, true, false, true},
		{UID(42), false, false, false, true, false},
	}
	for _, c := range cases {
		if got := c.u.IsNone(); got != c.none {
			t.Errorf("UID(%d).IsNone() = %v, want %v", c.u, got, c.none)
		}
		if got := c.u.IsSkipped(); got != c.skip {
			t.Errorf("UID(%d).IsSkipped() = %v, want %v", c.u, got, c.skip)
		}
		if got := c.u.IsPending(); got != c.pending {
			t.Errorf("UID(%d).IsPending() = %v, want %v", c.u, got, c.pending)
		}
		if got := c.u.IsPresent(); got != c.present {
			t.Errorf("UID(%d).IsPresent() = %v, want %v", c.u, got, c.present)
		}
		if got := c.u.Placeholder(); got != c.holder {
			t.Errorf("UID(%d).Placeholder() = %v, want %v", c.u, got, c.holder)
		}
	}
}

func TestTUIDValid(t *testing.T) {
	if !TUID("").Valid() {
		t.Error("empty TUID should be valid")
	}
	if !TUID("ABCDEFGHIJKL").Valid() {
		t.Error("12-char TUID should be valid")
	}
	if TUID("short").Valid() {
		t.Error("short TUID should be invalid")
	}
}

func TestNewTUIDLengthAndAlphabet(t *testing.T) {
	t1, err := NewTUID()
	if err != nil {
		t.Fatalf("NewTUID: %v", err)
	}
	if len(t1) != TUIDLen {
		t.Fatalf("NewTUID length = %d, want %d", len(t1), TUIDLen)
	}
	for _, c := range []byte(t1) {
		found := false
		for i := 0; i < len(tuidAlphabet); i++ {
			if tuidAlphabet[i] == c {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("NewTUID produced out-of-alphabet byte %q", c)
		}
	}

	t2, err := NewTUID()
	if err != nil {
		t.Fatalf("NewTUID: %v", err)
	}
	if t1 == t2 {
		t.Error("two consecutive NewTUID calls produced identical values (extremely unlikely unless rand is broken)")
	}
}
