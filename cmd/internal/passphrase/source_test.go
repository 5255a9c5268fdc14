package passphrase

import "testing"

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("SHOP_KEYSTORE_PASSPHRASE", "hunter2")
	src := NewSource("SHOP_KEYSTORE_PASSPHRASE")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	t.Setenv("SHOP_KEYSTORE_PASSPHRASE", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("expected cached passphrase, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("SHOP_KEYSTORE_PASSPHRASE", "   ")
	if _, err := NewSource("SHOP_KEYSTORE_PASSPHRASE").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func TestStatic(t *testing.T) {
	if _, err := Static("").Get(); err == nil {
		t.Fatalf("expected empty static passphrase to fail")
	}
	if got, err := Static("pw").Get(); err != nil || got != "pw" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}
