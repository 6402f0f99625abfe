package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
)

const (
	// DefaultMaxPathLength caps user supplied paths, in bytes.
	DefaultMaxPathLength = 255
	maxDecodeRounds      = 3
)

var (
	// ErrPathTraversal is matched by every *PathError from Validate.
	ErrPathTraversal = errors.New("sanitize: unsafe path")
	// ErrOutsideBase is returned by ResolveWithin when the resolved path
	// leaves the base directory.
	ErrOutsideBase = errors.New("sanitize: path escapes base directory")
)

// PathError is a rejected path.
type PathError struct {
	Path     string
	Reason   string
	Severity audit.Severity
	err      error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}

func (e *PathError) Unwrap() error {
	if e.err != nil {
		return e.err
	}
	return ErrPathTraversal
}

var traversalSequences = []string{
	"..",
	"%2e%2e", "%2e.", ".%2e",
	"%252e",
	"%c0%ae", "%c0%af", "%c1%9c", "%c1%1c", "%e0%80%ae",
	"%u002e", "\\u002e",
}

var (
	protocolPrefix = regexp.MustCompile(`(?i)^([a-z][a-z0-9+.\-]*://|(file|data|javascript|vbscript|php|phar|zip|jar|expect|glob):)`)
	driveLetter    = regexp.MustCompile(`^[a-zA-Z]:`)
	stillEncoded   = regexp.MustCompile(`%[0-9a-fA-F]{2}`)
)

const forbiddenChars = "<>|\"*?;$`"

var dangerousExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".msi": {}, ".scr": {}, ".dll": {}, ".so": {},
	".sh": {}, ".bash": {}, ".ps1": {}, ".vbs": {}, ".wsf": {},
	".php": {}, ".phtml": {}, ".phar": {}, ".asp": {}, ".aspx": {}, ".jsp": {}, ".cgi": {},
	".pl": {}, ".py": {}, ".rb": {}, ".jar": {},
}

var forbiddenDirs = []string{
	"/etc", "/proc", "/sys", "/dev", "/root", "/boot", "/bin", "/sbin", "/usr/bin", "/var/log", "/windows",
}

var forbiddenNames = map[string]struct{}{
	"passwd": {}, "shadow": {}, "group": {}, "sudoers": {},
	".env": {}, ".htaccess": {}, ".htpasswd": {}, "web.config": {},
	"id_rsa": {}, "id_dsa": {}, "id_ed25519": {}, "authorized_keys": {}, "known_hosts": {},
	".git": {}, ".ssh": {}, ".aws": {}, ".bash_history": {},
}

// PathValidator validates user supplied relative paths.
type PathValidator struct {
	maxLength int
}

// NewPathValidator creates a validator. maxLength <= 0 uses
// DefaultMaxPathLength.
func NewPathValidator(maxLength int) *PathValidator {
	if maxLength <= 0 {
		maxLength = DefaultMaxPathLength
	}
	return &PathValidator{maxLength: maxLength}
}

func reject(p, reason string, severity audit.Severity) *PathError {
	return &PathError{Path: p, Reason: reason, Severity: severity}
}

// Validate returns the normalized form of p, or a *PathError.
func (v *PathValidator) Validate(p string) (string, error) {
	if p == "" {
		return "", reject(p, "empty path", audit.SeverityLow)
	}
	if len(p) > v.maxLength {
		return "", reject(p, "path too long", audit.SeverityMedium)
	}

	// every decoding stage is inspected; overlong sequences only show up
	// in the raw form
	forms := []string{p}
	cur := p
	for i := 0; i < maxDecodeRounds && strings.Contains(cur, "%"); i++ {
		decoded, err := url.PathUnescape(cur)
		if err != nil {
			return "", reject(p, "malformed percent-encoding", audit.SeverityHigh)
		}
		if decoded == cur {
			break
		}
		forms = append(forms, decoded)
		cur = decoded
	}
	if stillEncoded.MatchString(cur) {
		return "", reject(p, "excessive encoding", audit.SeverityHigh)
	}
	if !utf8.ValidString(cur) {
		return "", reject(p, "invalid utf-8 sequence", audit.SeverityHigh)
	}

	for _, form := range forms {
		lower := strings.ToLower(form)
		for _, seq := range traversalSequences {
			if strings.Contains(lower, seq) {
				return "", reject(p, "traversal sequence "+seq, audit.SeverityCritical)
			}
		}
		if protocolPrefix.MatchString(form) {
			return "", reject(p, "protocol prefix", audit.SeverityHigh)
		}
	}

	for _, r := range cur {
		if r < 0x20 || r == 0x7f {
			return "", reject(p, "control character", audit.SeverityHigh)
		}
		if strings.ContainsRune(forbiddenChars, r) {
			return "", reject(p, fmt.Sprintf("forbidden character %q", r), audit.SeverityHigh)
		}
	}
	if driveLetter.MatchString(cur) {
		return "", reject(p, "drive letter", audit.SeverityHigh)
	}

	normalized := path.Clean(strings.ReplaceAll(cur, "\\", "/"))
	lower := strings.ToLower(normalized)

	// every suffix counts, so invoice.php.pdf is caught
	for _, ext := range strings.Split(path.Base(lower), ".")[1:] {
		if _, bad := dangerousExtensions["."+ext]; bad {
			return "", reject(p, "dangerous extension ."+ext, audit.SeverityHigh)
		}
	}

	if strings.HasPrefix(lower, "/") {
		for _, dir := range forbiddenDirs {
			if lower == dir || strings.HasPrefix(lower, dir+"/") {
				return "", reject(p, "forbidden directory "+dir, audit.SeverityCritical)
			}
		}
	}
	for _, part := range strings.Split(lower, "/") {
		if _, bad := forbiddenNames[part]; bad || strings.HasPrefix(part, ".env.") {
			return "", reject(p, "forbidden name "+part, audit.SeverityCritical)
		}
	}
	return normalized, nil
}

// ResolveWithin validates userPath and joins it to base. The result, with
// symlinks of its deepest existing ancestor resolved, must be a strict
// descendant of base.
func (v *PathValidator) ResolveWithin(base, userPath string) (string, error) {
	normalized, err := v.Validate(userPath)
	if err != nil {
		return "", err
	}

	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}
	baseReal, err := filepath.EvalSymlinks(baseAbs)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}

	candidate := filepath.FromSlash(normalized)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(baseReal, candidate)
	}
	resolved, err := resolveExisting(filepath.Clean(candidate))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", userPath, err)
	}

	rel, err := filepath.Rel(baseReal, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &PathError{Path: userPath, Reason: "outside base directory", Severity: audit.SeverityCritical, err: ErrOutsideBase}
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p
// and re-appends the components that do not exist yet.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		found, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				found = filepath.Join(found, tail[i])
			}
			return found, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
