package syncengine

import (
	"bytes"
	"testing"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
)

func TestRewriteBodyInsertsTUIDHeader(t *testing.T) {
	body := []byte("Subject: hi\nFrom: a@b\n\nbody text\n")
	out, err := rewriteBody(body, "MYTUID000001", false, false)
	if err != nil {
		t.Fatalf("rewriteBody: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("X-TUID: MYTUID000001\n")) {
		t.Fatalf("expected X-TUID header first, got %q", out[:40])
	}
	if !bytes.Contains(out, []byte("Subject: hi\n")) {
		t.Error("expected original headers preserved")
	}
	if !bytes.HasSuffix(out, []byte("body text\n")) {
		t.Error("expected body preserved")
	}
}

func TestRewriteBodyExcisesExistingTUIDHeader(t *testing.T) {
	body := []byte("Subject: hi\nX-TUID: OLDVALUE0001\nFrom: a@b\n\nbody\n")
	out, err := rewriteBody(body, "NEWVALUE0001", false, false)
	if err != nil {
		t.Fatalf("rewriteBody: %v", err)
	}
	if bytes.Contains(out, []byte("OLDVALUE0001")) {
		t.Error("expected old X-TUID header removed")
	}
	if !bytes.Contains(out, []byte("X-TUID: NEWVALUE0001")) {
		t.Error("expected new X-TUID header present")
	}
	// Only one X-TUID line should remain (the freshly inserted one).
	if n := bytes.Count(out, []byte("X-TUID:")); n != 1 {
		t.Errorf("expected exactly 1 X-TUID header, got %d", n)
	}
}

func TestRewriteBodyMalformedHeaderReturnsError(t *testing.T) {
	body := []byte("Subject: hi\nno blank line here")
	if _, err := rewriteBody(body, "X", false, false); err != ErrMalformedHeader {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestRewriteBodyConvertsLFToCRLF(t *testing.T) {
	body := []byte("Subject: hi\n\nbody\n")
	out, err := rewriteBody(body, "TUID00000001", false, true)
	if err != nil {
		t.Fatalf("rewriteBody: %v", err)
	}
	if !bytes.Contains(out, []byte("Subject: hi\r\n")) {
		t.Error("expected header line converted to CRLF")
	}
	if !bytes.Contains(out, []byte("body\r\n")) {
		t.Error("expected body line converted to CRLF")
	}
	if bytes.Contains(bytes.ReplaceAll(out, []byte("\r\n"), nil), []byte("\n")) {
		t.Error("expected no bare LF left after CRLF conversion")
	}
}

func TestRewriteBodyConvertsCRLFToLF(t *testing.T) {
	body := []byte("Subject: hi\r\n\r\nbody\r\n")
	out, err := rewriteBody(body, "TUID00000001", true, false)
	if err != nil {
		t.Fatalf("rewriteBody: %v", err)
	}
	if bytes.Contains(out[len("X-TUID: TUID00000001\n"):], []byte("\r\n")) {
		t.Error("expected no CRLF left in header/body after conversion to LF")
	}
}

func TestFindHeaderBoundaryPrefersCRLF(t *testing.T) {
	body := []byte("A: 1\r\n\r\nbody")
	end, termLen, err := findHeaderBoundary(body)
	if err != nil {
		t.Fatalf("findHeaderBoundary: %v", err)
	}
	if termLen != 4 {
		t.Errorf("termLen = %d, want 4", termLen)
	}
	if string(body[:end]) != "A: 1" {
		t.Errorf("header = %q, want %q", body[:end], "A: 1")
	}
}

func TestPrepareCopySetsCRLFCapabilitiesCorrectly(t *testing.T) {
	src := &maildriver.Message{Body: []byte("A: 1\n\nbody\n"), Flags: maildriver.FlagSeen}
	out, err := prepareCopy(src, "TUID00000001", 0, maildriver.CapCRLF)
	if err != nil {
		t.Fatalf("prepareCopy: %v", err)
	}
	if out.Flags != maildriver.FlagSeen {
		t.Errorf("expected flags carried over, got %v", out.Flags)
	}
	if !bytes.Contains(out.Body, []byte("\r\n")) {
		t.Error("expected CRLF in body when destination requires it")
	}
	if int64(len(out.Body)) != out.Size {
		t.Errorf("Size %d doesn't match body length %d", out.Size, len(out.Body))
	}
}
