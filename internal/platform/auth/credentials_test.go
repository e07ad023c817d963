package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestDefaultCredentials_Doctor(t *testing.T) {
	store, err := DefaultCredentials()
	if err != nil {
		t.Fatalf("DefaultCredentials: %v", err)
	}
	if !store.Verify("doctor", "password123") {
		t.Error("expected doctor/password123 to verify")
	}
	if store.Verify("doctor", "wrong") {
		t.Error("expected wrong password to be rejected")
	}
	if store.Verify("ghost", "password123") {
		t.Error("expected unknown user to be rejected")
	}
	if store.Verify("", "") {
		t.Error("expected empty credentials to be rejected")
	}
}

func TestCredentialStore_StoresHashesOnly(t *testing.T) {
	store, err := SeedCredentials(map[string]string{"nurse": "s3cret"})
	if err != nil {
		t.Fatalf("SeedCredentials: %v", err)
	}
	hash := string(store.users["nurse"])
	if hash == "s3cret" || strings.Contains(hash, "s3cret") {
		t.Fatal("expected stored value to be a hash, not the plaintext")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		t.Errorf("expected bcrypt hash, got %q: %v", hash, err)
	}
}

func TestHashPassword_RoundTrip(t *testing.T) {
	h, err := HashPassword("letmein")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	store := NewCredentialStore(Credential{Username: "admin", PasswordHash: h})
	if !store.Verify("admin", "letmein") {
		t.Error("expected hashed password to verify")
	}
}

func TestParseSeedList(t *testing.T) {
	h, _ := HashPassword("pw")

	creds, err := ParseSeedList(" alice:" + h + " , bob:" + h + ",")
	if err != nil {
		t.Fatalf("ParseSeedList: %v", err)
	}
	if len(creds) != 2 || creds[0].Username != "alice" || creds[1].Username != "bob" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	if creds, err := ParseSeedList(""); err != nil || len(creds) != 0 {
		t.Errorf("expected empty list, got %v, %v", creds, err)
	}

	for _, bad := range []string{"alice", "alice:", ":" + h, "alice:plaintext"} {
		if _, err := ParseSeedList(bad); err == nil {
			t.Errorf("ParseSeedList(%q): expected error", bad)
		}
	}
}

func TestUsernames_Sorted(t *testing.T) {
	store := NewCredentialStore(
		Credential{Username: "zed", PasswordHash: "x"},
		Credential{Username: "amy", PasswordHash: "x"},
	)
	got := store.Usernames()
	if len(got) != 2 || got[0] != "amy" || got[1] != "zed" {
		t.Errorf("unexpected usernames %v", got)
	}
}
