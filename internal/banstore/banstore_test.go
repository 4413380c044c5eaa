package banstore

import (
	"path/filepath"
	"testing"
)

func TestBanIDPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "banidList.json")
	ipPath := filepath.Join(dir, "banipList.json")

	s, err := New(idPath, ipPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if banned, _ := s.IsIDBanned(99); banned {
		t.Fatal("expected no bans initially")
	}
	if err := s.BanID(99, "cheating"); err != nil {
		t.Fatal(err)
	}
	if banned, reason := s.IsIDBanned(99); !banned || reason != "cheating" {
		t.Fatalf("got banned=%v reason=%q", banned, reason)
	}

	reloaded, err := New(idPath, ipPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if banned, _ := reloaded.IsIDBanned(99); !banned {
		t.Fatal("expected ban to survive reload from disk")
	}
}

func TestBanIPMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "ids.json"), filepath.Join(dir, "ips.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if banned, _ := s.IsIPBanned("1.2.3.4"); banned {
		t.Fatal("expected no bans for a fresh store")
	}
	if err := s.BanIP("1.2.3.4", "abuse"); err != nil {
		t.Fatal(err)
	}
	if banned, reason := s.IsIPBanned("1.2.3.4"); !banned || reason != "abuse" {
		t.Fatalf("got banned=%v reason=%q", banned, reason)
	}
}
