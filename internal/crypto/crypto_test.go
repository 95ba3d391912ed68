package crypto

import (
	"testing"

	"github.com/patchwork-sh/patchwork/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	setupTestDB(t)

	cipher, err := Encrypt(`{"username":"root","password":"secret"}`)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if cipher == `{"username":"root","password":"secret"}` {
		t.Fatal("ciphertext equals plaintext")
	}

	plain, err := Decrypt(cipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != `{"username":"root","password":"secret"}` {
		t.Errorf("round trip = %q", plain)
	}
}

func TestDecrypt_EmptyAndGarbage(t *testing.T) {
	setupTestDB(t)

	if plain, err := Decrypt(""); err != nil || plain != "" {
		t.Errorf("Decrypt(\"\") = (%q, %v), want empty", plain, err)
	}
	if _, err := Decrypt("not-a-token"); err == nil {
		t.Error("Decrypt of garbage returned no error")
	}
}

func TestKeyIsGeneratedOnceAndReused(t *testing.T) {
	setupTestDB(t)

	c1, err := Encrypt("a")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	key1, err := database.GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("key not stored: %v", err)
	}

	if _, err := Encrypt("b"); err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	key2, _ := database.GetSetting("fernet_key")
	if key1 != key2 {
		t.Error("fernet key regenerated between calls")
	}

	if plain, err := Decrypt(c1); err != nil || plain != "a" {
		t.Errorf("Decrypt after reuse = (%q, %v)", plain, err)
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"abc":         "****",
		"abcd":        "****",
		"secretvalue": "****alue",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
