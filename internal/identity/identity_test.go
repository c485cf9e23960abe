package identity

import (
	"path/filepath"
	"testing"

	"github.com/dl-alexandre/docsync/internal/types"
)

func TestSyncIDFromRemoteID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"workspace://SpacesStore/abc", "workspace://SpacesStore/abc"},
		{"workspace://SpacesStore/abc;1.0", "workspace://SpacesStore/abc"},
		{"workspace://SpacesStore/abc;2.3", "workspace://SpacesStore/abc"},
		{"  1a2b3c ", "1a2b3c"},
		{"plain;", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SyncIDFromRemoteID(tt.in); got != tt.want {
			t.Errorf("SyncIDFromRemoteID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSyncIDForNode_VersionsShareIdentity(t *testing.T) {
	v1 := &types.RemoteNode{ID: "doc-1;1.0", Name: "Report"}
	v2 := &types.RemoteNode{ID: "doc-1;1.1", Name: "Report (renamed)"}

	if SyncIDForNode(v1) != SyncIDForNode(v2) {
		t.Errorf("Expected versions to share a sync id, got %q and %q", SyncIDForNode(v1), SyncIDForNode(v2))
	}
	if SyncIDForNode(nil) != "" {
		t.Error("Expected empty sync id for nil node")
	}
}

func TestContentPath(t *testing.T) {
	root := filepath.Join("data", "accounts", "alice", "content")

	got := ContentPath(root, "workspace://SpacesStore/abc", "docx")
	want := filepath.Join(root, "workspace%3A%2F%2FSpacesStore%2Fabc.docx")
	if got != want {
		t.Errorf("ContentPath() = %q, want %q", got, want)
	}

	if filepath.Dir(got) != root {
		t.Errorf("Content path escaped its root: %q", got)
	}

	if ContentPath(root, "x", ".pdf") != filepath.Join(root, "x.pdf") {
		t.Error("Expected leading dot in extension to be ignored")
	}
	if ContentPath(root, "x", "") != filepath.Join(root, "x") {
		t.Error("Expected no extension when ext is empty")
	}
}

func TestContentFileName_CollisionFree(t *testing.T) {
	ids := []string{"a/b", "a%2Fb", "a b", "a+b", "a.b", "a;b", "../etc"}
	seen := make(map[string]string)
	for _, id := range ids {
		name := ContentFileName(id, "bin")
		if prev, ok := seen[name]; ok {
			t.Errorf("Collision between %q and %q on %q", prev, id, name)
		}
		seen[name] = id
		if filepath.Base(name) != name {
			t.Errorf("File name for %q contains a separator: %q", id, name)
		}
	}
}

func TestParseContentFileName_RoundTrip(t *testing.T) {
	ids := []string{"workspace://SpacesStore/abc", "a.b.c", "spaced name", "plain"}
	for _, id := range ids {
		gotID, ext, err := ParseContentFileName(ContentFileName(id, "pdf"))
		if err != nil {
			t.Fatalf("ParseContentFileName() error = %v", err)
		}
		if gotID != id || ext != "pdf" {
			t.Errorf("round trip of %q gave (%q, %q)", id, gotID, ext)
		}
	}

	if _, _, err := ParseContentFileName("%zz.pdf"); err == nil {
		t.Error("Expected error for malformed escape")
	}
}

func TestAccountLayout(t *testing.T) {
	dataDir := "/var/docsync"
	if RegistryPath(dataDir, "bob@example.com") != filepath.Join(dataDir, "accounts", "bob%40example.com", "registry.db") {
		t.Errorf("RegistryPath() = %q", RegistryPath(dataDir, "bob@example.com"))
	}
	if filepath.Dir(ContentRoot(dataDir, "bob")) != AccountDir(dataDir, "bob") {
		t.Error("Content root should live under the account dir")
	}
}
