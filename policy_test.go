package kclist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestListPolicy(t *testing.T) {
	p := &ListPolicy{
		Allow: []string{"com.apple.*", "com.example.driver"},
		Deny:  []string{"com.apple.driver.AppleMobileFileIntegrity"},
	}

	tests := []struct {
		id   string
		want bool
	}{
		{"com.apple.kpi.bsd", true},
		{"com.example.driver", true},
		{"com.example.other", false},
		{"com.apple.driver.AppleMobileFileIntegrity", false},
	}
	for _, tt := range tests {
		if got := p.IsLoadPermitted(tt.id); got != tt.want {
			t.Errorf("IsLoadPermitted(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}

	denyOnly := &ListPolicy{Deny: []string{"*.Sandbox"}}
	if !denyOnly.IsLoadPermitted("com.apple.kec.corecrypto") {
		t.Error("empty allow list must permit what is not denied")
	}
	if denyOnly.IsLoadPermitted("com.apple.security.Sandbox") {
		t.Error("deny pattern not applied")
	}
}

func TestPolicyFunc(t *testing.T) {
	var p Policy = PolicyFunc(func(id string) bool { return strings.HasPrefix(id, "ok.") })
	if !p.IsLoadPermitted("ok.kext") || p.IsLoadPermitted("no.kext") {
		t.Fatal("PolicyFunc does not delegate")
	}
	if !AllowAll.IsLoadPermitted("anything") {
		t.Fatal("AllowAll denied a module")
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "policy.yaml")
		content := "allow:\n  - com.apple.*\ndeny:\n  - com.apple.driver.Bad\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("LoadPolicy() error = %v", err)
		}
		if len(p.Allow) != 1 || len(p.Deny) != 1 {
			t.Fatalf("policy = %+v", p)
		}
	})

	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{name: "bad yaml", content: "allow: [", msg: "load policy"},
		{name: "bad pattern", content: "deny:\n  - \"com.[apple\"\n", msg: `policy pattern "com.[apple"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadPolicy(path)
			if err == nil || !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("LoadPolicy() error = %v, want %q", err, tt.msg)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		if _, err := LoadPolicy(filepath.Join(dir, "missing.yaml")); err == nil {
			t.Fatal("LoadPolicy(missing) expected error")
		}
	})
}
