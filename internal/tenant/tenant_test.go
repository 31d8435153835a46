package tenant

import (
	"strings"
	"testing"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name    string
		project string
		branch  string
		path    string
		wantErr bool
	}{
		{
			name:    "valid key",
			project: "myproj",
			branch:  "main",
			path:    "/home/dev/myproj",
		},
		{
			name:    "empty project",
			project: "",
			branch:  "main",
			path:    "/home/dev/myproj",
			wantErr: true,
		},
		{
			name:    "whitespace branch",
			project: "myproj",
			branch:  "   ",
			path:    "/home/dev/myproj",
			wantErr: true,
		},
		{
			name:    "empty path",
			project: "myproj",
			branch:  "main",
			path:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewKey(tt.project, tt.branch, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewKey() error = %v", err)
			}
			if key.ProjectName != tt.project || key.BranchName != tt.branch {
				t.Errorf("key = %+v", key)
			}
			if len(key.PathHash) != 64 {
				t.Errorf("path hash length = %d, want 64", len(key.PathHash))
			}
			if key.PathHash != strings.ToLower(key.PathHash) {
				t.Error("path hash must be lower-hex")
			}
		})
	}
}

func TestHashPathCanonicalisation(t *testing.T) {
	// Trailing slashes and redundant segments must not change the hash.
	a, err := HashPath("/home/dev/myproj")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashPath("/home/dev/myproj/")
	if err != nil {
		t.Fatal(err)
	}
	c, err := HashPath("/home/dev/../dev/myproj")
	if err != nil {
		t.Fatal(err)
	}

	if a != b || b != c {
		t.Errorf("equivalent paths hashed differently: %s %s %s", a, b, c)
	}

	d, err := HashPath("/home/dev/otherproj")
	if err != nil {
		t.Fatal(err)
	}
	if d == a {
		t.Error("distinct paths must not collide")
	}
}

func TestKeyString(t *testing.T) {
	key, err := NewKey("myproj", "main", "/home/dev/myproj")
	if err != nil {
		t.Fatal(err)
	}

	s := key.String()
	if !strings.HasPrefix(s, "myproj:main:") {
		t.Errorf("String() = %q", s)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 || len(parts[2]) != 8 {
		t.Errorf("display hash must be truncated to 8 chars, got %q", s)
	}
}

func TestFilterValidate(t *testing.T) {
	key, err := NewKey("myproj", "main", "/home/dev/myproj")
	if err != nil {
		t.Fatal(err)
	}
	if err := key.Filter().Validate(); err != nil {
		t.Errorf("complete filter rejected: %v", err)
	}

	incomplete := Filter{ProjectName: "myproj", BranchName: "main"}
	if err := incomplete.Validate(); err == nil {
		t.Error("incomplete filter must be rejected")
	}
}

func TestFilterMatches(t *testing.T) {
	key, err := NewKey("myproj", "main", "/home/dev/myproj")
	if err != nil {
		t.Fatal(err)
	}
	f := key.Filter()

	if !f.Matches(f.Metadata()) {
		t.Error("filter must match its own metadata")
	}

	other := map[string]string{
		MetaProjectName: "myproj",
		MetaBranchName:  "develop",
		MetaPathHash:    f.PathHash,
	}
	if f.Matches(other) {
		t.Error("filter must not match a different branch")
	}
}

func TestExternalKey(t *testing.T) {
	k := ExternalKey()
	if !k.IsExternal() {
		t.Error("external key must report IsExternal")
	}
	if k.IsZero() {
		t.Error("external key must be populated")
	}

	user, err := NewKey("myproj", "main", "/home/dev/myproj")
	if err != nil {
		t.Fatal(err)
	}
	if user.IsExternal() {
		t.Error("user key must not report IsExternal")
	}
}
