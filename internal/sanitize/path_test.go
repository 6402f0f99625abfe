package sanitize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
)

func TestValidateRejectsTraversal(t *testing.T) {
	v := NewPathValidator(0)
	inputs := []string{
		"../etc/passwd",
		"invoices/../../secret",
		"..\\..\\windows\\system32",
		"%2e%2e/secret",
		"%2E%2E%2Fsecret",
		"%252e%252e/secret",
		"%25252e%25252e/secret",
		"%c0%ae%c0%ae/secret",
		"%e0%80%ae/x",
		"file:///etc/passwd",
		"https://evil.example.com/x",
		"php:filter",
	}
	for _, in := range inputs {
		_, err := v.Validate(in)
		require.Error(t, err, "input %q", in)
		assert.ErrorIs(t, err, ErrPathTraversal, "input %q", in)
	}
}

func TestValidateRejectsUnsafeNames(t *testing.T) {
	v := NewPathValidator(0)
	tests := map[string]audit.Severity{
		"":                          audit.SeverityLow,
		"uploads/shell.php":         audit.SeverityHigh,
		"uploads/invoice.php.pdf":   audit.SeverityHigh,
		"run.EXE":                   audit.SeverityHigh,
		"/etc/hosts":                audit.SeverityCritical,
		"/proc/self/environ":        audit.SeverityCritical,
		"/usr/bin/env":              audit.SeverityCritical,
		"config/.env":               audit.SeverityCritical,
		"config/.env.production":    audit.SeverityCritical,
		"home/u/.ssh/config":        audit.SeverityCritical,
		"repo/.git/HEAD":            audit.SeverityCritical,
		"passwd":                    audit.SeverityCritical,
		"a\x00b":                    audit.SeverityHigh,
		"a%00b":                     audit.SeverityHigh,
		"a|b":                       audit.SeverityHigh,
		"$(id)":                     audit.SeverityHigh,
		"a`b`":                      audit.SeverityHigh,
		"C:\\Windows\\win.ini":      audit.SeverityHigh,
		"100%":                      audit.SeverityHigh,
		strings.Repeat("a", 256):    audit.SeverityMedium,
	}
	for in, severity := range tests {
		_, err := v.Validate(in)
		var pe *PathError
		require.ErrorAs(t, err, &pe, "input %q", in)
		assert.Equal(t, severity, pe.Severity, "input %q: %s", in, pe.Reason)
	}
}

func TestValidateNormalizes(t *testing.T) {
	v := NewPathValidator(0)
	tests := map[string]string{
		"invoices/2026/inv-001.pdf":   "invoices/2026/inv-001.pdf",
		"invoices//2026/./inv.pdf":    "invoices/2026/inv.pdf",
		"invoices\\2026\\inv.pdf":     "invoices/2026/inv.pdf",
		"logos/acme%20logo.png":       "logos/acme logo.png",
		"/uploads/avatars/me.jpg":     "/uploads/avatars/me.jpg",
		"etc/notes.txt":               "etc/notes.txt",
	}
	for in, want := range tests {
		got, err := v.Validate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
}

func TestResolveWithin(t *testing.T) {
	v := NewPathValidator(0)
	base := t.TempDir()
	realBase, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "invoices"), 0o755))

	got, err := v.ResolveWithin(base, "invoices/2026/inv.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realBase, "invoices", "2026", "inv.pdf"), got)

	_, err = v.ResolveWithin(base, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathTraversal)

	// the base itself is not a strict descendant
	_, err = v.ResolveWithin(base, ".")
	assert.ErrorIs(t, err, ErrOutsideBase)

	// absolute paths are taken as-is and must still land under base
	_, err = v.ResolveWithin(base, "/tmp/elsewhere.txt")
	assert.ErrorIs(t, err, ErrOutsideBase)
}

func TestResolveWithinFollowsSymlinks(t *testing.T) {
	v := NewPathValidator(0)
	base := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "link")))

	_, err := v.ResolveWithin(base, "link/secret.txt")
	require.ErrorIs(t, err, ErrOutsideBase)
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, audit.SeverityCritical, pe.Severity)

	_, err = v.ResolveWithin(base, "link/not-yet-created.txt")
	assert.ErrorIs(t, err, ErrOutsideBase)
}
