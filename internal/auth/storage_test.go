package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptedFileStorage(t *testing.T) {
	tmpDir := t.TempDir()

	storage, err := NewEncryptedFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create encrypted storage: %v", err)
	}

	testData := []byte(`{"account":"alice@example.com","access_token":"test-token"}`)
	if err := storage.Save("alice@example.com", testData); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	credFile := filepath.Join(tmpDir, "credentials", "alice%40example.com.enc")
	encryptedData, err := os.ReadFile(credFile)
	if err != nil {
		t.Fatalf("Failed to read encrypted file: %v", err)
	}
	if string(encryptedData) == string(testData) {
		t.Error("Data was not encrypted")
	}

	loaded, err := storage.Load("alice@example.com")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(loaded) != string(testData) {
		t.Errorf("Loaded data doesn't match original. Got: %s, Want: %s", loaded, testData)
	}

	accounts, err := storage.Accounts()
	if err != nil {
		t.Fatalf("Accounts failed: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != "alice@example.com" {
		t.Errorf("Accounts() = %v, want [alice@example.com]", accounts)
	}

	if err := storage.Delete("alice@example.com"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(credFile); !os.IsNotExist(err) {
		t.Error("File was not deleted")
	}
	if err := storage.Delete("alice@example.com"); err != nil {
		t.Errorf("Deleting twice should not fail: %v", err)
	}
}

func TestEncryptedFileStorage_LoadMissing(t *testing.T) {
	storage, err := NewEncryptedFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = storage.Load("nobody")
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Load() error = %v, want ErrNoCredentials", err)
	}
}

func TestEncryptedFileStorage_KeyIsReused(t *testing.T) {
	tmpDir := t.TempDir()

	first, err := NewEncryptedFileStorage(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save("bob", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	second, err := NewEncryptedFileStorage(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	data, err := second.Load("bob")
	if err != nil {
		t.Fatalf("Load with reopened storage failed: %v", err)
	}
	if string(data) != "secret" {
		t.Errorf("Load() = %q, want %q", data, "secret")
	}
}

func TestEncryptedFileStorage_TamperedFile(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewEncryptedFileStorage(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.Save("carol", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	credFile := filepath.Join(tmpDir, "credentials", "carol.enc")
	data, err := os.ReadFile(credFile)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(credFile, data, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := storage.Load("carol"); err == nil {
		t.Error("expected decryption of tampered file to fail")
	}
}
