package robin

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestLocalStorageSave(t *testing.T) {
	root := t.TempDir()
	storage := NewLocalStorageClient(StorageConfig{Enabled: true, Path: root}, nil)

	session := NewSession(nil, nil)
	env := NewEnvelope()
	env.Sender = "a@b"
	env.AddRecipient("user@Example.COM")

	data := []byte("Subject: stored\r\n\r\nbody\r\n")
	if err := storage.Save(session, env, data); err != nil {
		t.Fatal(err)
	}

	wantDir := filepath.Join(root, "example.com", "user")
	if filepath.Dir(env.File) != wantDir {
		t.Errorf("path: got %q, want dir %q", env.File, wantDir)
	}

	base := filepath.Base(env.File)
	wantPrefix := time.Now().Format("20060102") + "." + strconv.FormatUint(session.UID, 10)
	if !strings.HasPrefix(base, wantPrefix) || !strings.HasSuffix(base, ".eml") {
		t.Errorf("filename: got %q, want %q prefix and .eml suffix", base, wantPrefix)
	}

	content, err := os.ReadFile(env.File)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != string(data) {
		t.Errorf("content: got %q", content)
	}
}

func TestLocalStorageRename(t *testing.T) {
	root := t.TempDir()
	storage := NewLocalStorageClient(StorageConfig{Enabled: true, Path: root}, nil)

	session := NewSession(nil, nil)
	env := NewEnvelope()
	env.AddRecipient("user@example.com")

	data := []byte("X-Robin-Filename: picked.eml\r\nSubject: x\r\n\r\nbody\r\n")
	if err := storage.Save(session, env, data); err != nil {
		t.Fatal(err)
	}

	if filepath.Base(env.File) != "picked.eml" {
		t.Errorf("file: got %q", env.File)
	}
	if _, err := os.Stat(env.File); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
}

func TestLocalStorageRenameOverwrites(t *testing.T) {
	root := t.TempDir()
	storage := NewLocalStorageClient(StorageConfig{Enabled: true, Path: root}, nil)

	dir := filepath.Join(root, "example.com", "user")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "picked.eml")
	if err := os.WriteFile(target, []byte("old contents"), 0o640); err != nil {
		t.Fatal(err)
	}

	session := NewSession(nil, nil)
	env := NewEnvelope()
	env.AddRecipient("user@example.com")

	data := []byte("X-Robin-Filename: picked.eml\r\n\r\nnew contents\r\n")
	if err := storage.Save(session, env, data); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != string(data) {
		t.Errorf("rename should overwrite: got %q", content)
	}
}

func TestLocalStorageNoRecipients(t *testing.T) {
	root := t.TempDir()
	storage := NewLocalStorageClient(StorageConfig{Enabled: true, Path: root}, nil)

	session := NewSession(nil, nil)
	env := NewEnvelope()

	if err := storage.Save(session, env, []byte("body\r\n")); err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(env.File) != root {
		t.Errorf("recipient-less message should land in the root: %q", env.File)
	}
}

func TestDiscardStorage(t *testing.T) {
	env := NewEnvelope()
	if err := (DiscardStorage{}).Save(NewSession(nil, nil), env, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if env.File != "" {
		t.Error("discard storage must not set a file path")
	}
}
