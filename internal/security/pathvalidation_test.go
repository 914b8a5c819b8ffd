package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "scans", "site.las")

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside (not yet created)", inside, false},
		{"root itself", root, false},
		{"parent traversal", filepath.Join(root, "..", "etc", "passwd"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, root)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.ply"), root); err == nil {
		t.Error("expected symlinked parent to be rejected")
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	if err := ValidatePathWithinAllowedDirs(filepath.Join(b, "x.pcd"), []string{a, b}); err != nil {
		t.Errorf("expected path in second dir to be allowed: %v", err)
	}
	if err := ValidatePathWithinAllowedDirs("/etc/hosts", []string{a, b}); err == nil {
		t.Error("expected rejection")
	}
	if err := ValidatePathWithinAllowedDirs(filepath.Join(a, "x"), nil); err == nil {
		t.Error("expected error with no allowed dirs")
	}
}

func TestValidateOutputPath(t *testing.T) {
	if err := ValidateOutputPath(filepath.Join(os.TempDir(), "preview.png")); err != nil {
		t.Errorf("temp dir output should be allowed: %v", err)
	}
	if err := ValidateOutputPath("/proc/preview.png"); err == nil {
		t.Error("expected /proc output to be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                   "unknown",
		"scan 01.ply":        "scan_01.ply",
		"../../etc/passwd":   "etc_passwd",
		"a///b":              "a_b",
		"ok-name_1.las":      "ok-name_1.las",
		"...":                "unknown",
		"https://x.test/a.b": "https_x.test_a.b",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
