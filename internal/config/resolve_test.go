package config

import (
	"testing"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver/imapdriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncengine"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

func TestParseOps(t *testing.T) {
	ops := parseOps([]string{"new", "renew", "flags", "expunge", "delete", "trash_only_new", "unknown"})
	want := syncengine.OpNew | syncengine.OpRenew | syncengine.OpFlags | syncengine.OpExpunge | syncengine.OpDelete | syncengine.OpTrashOnlyNew
	if ops != want {
		t.Errorf("parseOps = %v, want %v", ops, want)
	}
}

func TestParseOpsEmpty(t *testing.T) {
	if ops := parseOps(nil); ops != 0 {
		t.Errorf("parseOps(nil) = %v, want 0", ops)
	}
}

func TestFsyncLevel(t *testing.T) {
	cases := map[string]syncstate.FSyncLevel{
		"none":      syncstate.FSyncNone,
		"normal":    syncstate.FSyncNormal,
		"thorough":  syncstate.FSyncThorough,
		"":          syncstate.FSyncNormal,
		"NONE":      syncstate.FSyncNone,
		"Thorough":  syncstate.FSyncThorough,
		"something": syncstate.FSyncNormal,
	}
	for in, want := range cases {
		if got := fsyncLevel(in); got != want {
			t.Errorf("fsyncLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSecurityFor(t *testing.T) {
	cases := map[string]imapdriver.Security{
		"tls":      imapdriver.SecurityTLS,
		"":         imapdriver.SecurityTLS,
		"starttls": imapdriver.SecurityStartTLS,
		"none":     imapdriver.SecurityNone,
		"plain":    imapdriver.SecurityNone,
	}
	for in, want := range cases {
		if got := securityFor(in); got != want {
			t.Errorf("securityFor(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDriverForUnknownType(t *testing.T) {
	c := &Config{}
	if _, err := c.driverFor(&StoreConfig{Name: "x", Type: "pop3"}); err == nil {
		t.Error("expected error for unknown store type")
	}
}

func TestDriverForMaildir(t *testing.T) {
	c := &Config{}
	d, err := c.driverFor(&StoreConfig{Name: "x", Type: "maildir", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("driverFor: %v", err)
	}
	if d == nil {
		t.Fatal("expected non-nil driver")
	}
}
