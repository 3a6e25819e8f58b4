// Package safety resolves, canonicalizes and classifies every filesystem
// path a tool wants to touch before it touches it.
package safety

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

const maxSymlinkDepth = 40 // Linux MAXSYMLINKS

// suspiciousUnicode lists homoglyph codepoints that can masquerade as ASCII
// path separators or dots to smuggle a traversal past naive string checks.
var suspiciousUnicode = []struct {
	r    rune
	desc string
}{
	{'．', "fullwidth full stop (.)"},
	{'／', "fullwidth solidus (/)"},
	{'＼', "fullwidth reverse solidus (\\)"},
	{'․', "one dot leader (.)"},
	{'﹒', "small full stop (.)"},
	{'‥', "two dot leader (..)"},
	{'…', "horizontal ellipsis (...)"},
	{'⧸', "big solidus (/)"},
	{'⁄', "fraction slash (/)"},
	{'∕', "division slash (/)"},
	{'﹨', "small reverse solidus (\\)"},
}

var dangerousTargets = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/root/",
	"/proc/",
	"/sys/",
}

// Validator canonicalizes and classifies paths against a working directory
// and a safety.Config. It is safe for concurrent use: Config is read-only
// after construction.
type Validator struct {
	config     Config
	workingDir string
}

// New builds a Validator rooted at workingDir.
func New(config Config, workingDir string) *Validator {
	return &Validator{config: config, workingDir: workingDir}
}

// Validate resolves path_str to its canonical form and applies every
// safety check in order, returning the canonical path on success.
func (v *Validator) Validate(pathStr string) (string, error) {
	if strings.ContainsRune(pathStr, 0) {
		return "", apperrors.NewSafetyError(apperrors.KindNullByte, "path contains null bytes")
	}

	for _, u := range suspiciousUnicode {
		if strings.ContainsRune(pathStr, u.r) {
			return "", apperrors.NewSafetyError(apperrors.KindHomoglyph,
				"path contains suspicious unicode character: "+u.desc)
		}
	}

	for _, component := range strings.FieldsFunc(pathStr, func(r rune) bool { return r == '/' || r == '\\' }) {
		if component == "" {
			continue
		}
		if isSuspiciousMixedComponent(component) {
			return "", apperrors.NewSafetyError(apperrors.KindHomoglyph,
				"path component '"+component+"' mixes ascii and non-ascii characters")
		}
	}

	resolved := pathStr
	if !filepath.IsAbs(pathStr) {
		resolved = filepath.Join(v.workingDir, pathStr)
	}

	canonical, err := v.resolveCanonical(resolved)
	if err != nil {
		return "", err
	}
	canonicalStr := stripUNCPrefix(canonical)

	if strings.Contains(pathStr, "..") {
		workingCanonical := stripUNCPrefix(canonicalizeBestEffort(v.workingDir))
		withinWorkingDir := strings.HasPrefix(canonicalStr, workingCanonical)
		allowed, err := v.isPathInAllowedList(canonicalStr)
		if err != nil {
			return "", err
		}
		if !withinWorkingDir && !allowed {
			return "", apperrors.NewSafetyError(apperrors.KindTraversal,
				"path traversal detected: "+pathStr+" resolves to "+canonicalStr)
		}
	}

	for _, pattern := range v.config.DeniedPaths {
		matched, err := doublestar.Match(pattern, canonicalStr)
		if err != nil {
			return "", apperrors.NewInvalidInputError("invalid deny pattern: " + pattern)
		}
		if matched {
			return "", apperrors.NewSafetyError(apperrors.KindDenied, "path matches denied pattern: "+pattern)
		}
		if ok, _ := doublestar.Match(pattern, pathStr); ok {
			return "", apperrors.NewSafetyError(apperrors.KindDenied, "path matches denied pattern: "+pattern)
		}
		if !strings.ContainsAny(pattern, "/\\") {
			for _, component := range strings.Split(canonicalStr, string(os.PathSeparator)) {
				if component == "" {
					continue
				}
				if ok, _ := doublestar.Match(pattern, component); ok {
					return "", apperrors.NewSafetyError(apperrors.KindDenied,
						"path component matches denied pattern: "+pattern)
				}
			}
		}
	}

	if len(v.config.AllowedPaths) > 0 {
		allowed, err := v.isPathInAllowedList(canonicalStr)
		if err != nil {
			return "", err
		}
		if !allowed {
			return "", apperrors.NewSafetyError(apperrors.KindNotAllowed, "path not in allowed list: "+canonicalStr)
		}
	}

	return canonicalStr, nil
}

// isPathInAllowedList reports whether canonicalStr matches an allow glob,
// expanding "./"-prefixed patterns against the canonical working directory.
func (v *Validator) isPathInAllowedList(canonicalStr string) (bool, error) {
	workingCanonical := stripUNCPrefix(canonicalizeBestEffort(v.workingDir))

	for _, pattern := range v.config.AllowedPaths {
		expanded := pattern
		if pattern == "." || strings.HasPrefix(pattern, "./") {
			suffix := strings.TrimPrefix(pattern, "./")
			expanded = filepath.ToSlash(filepath.Join(workingCanonical, suffix))
		}

		if ok, err := doublestar.Match(expanded, canonicalStr); err == nil && ok {
			return true, nil
		}
		if ok, err := doublestar.Match(pattern, canonicalStr); err == nil && ok {
			return true, nil
		}
		if pattern == "./**" && strings.HasPrefix(canonicalStr, workingCanonical) {
			return true, nil
		}
	}
	return false, nil
}

// resolveCanonical performs the atomic TOCTOU-safe open/resolve dance
// described in the path-safety contract: O_NOFOLLOW open, ELOOP branches
// into an explicit symlink-chain walk, NotFound resolves the parent
// instead, anything else falls back to best-effort canonicalization.
func (v *Validator) resolveCanonical(resolved string) (string, error) {
	real, err := openNoFollowAndResolve(resolved)
	switch {
	case err == nil:
		return real, nil
	case isELOOP(err):
		safeTarget, serr := v.checkSymlinkSafety(resolved)
		if serr != nil {
			return "", serr
		}
		return canonicalizeBestEffort(safeTarget), nil
	case isNotExist(err):
		parent := filepath.Dir(resolved)
		base := filepath.Base(resolved)
		if realParent, perr := openNoFollowAndResolve(parent); perr == nil {
			return filepath.Join(realParent, base), nil
		} else if isELOOP(perr) {
			safeParent, serr := v.checkSymlinkSafety(parent)
			if serr != nil {
				return "", serr
			}
			return filepath.Join(canonicalizeBestEffort(safeParent), base), nil
		}
		return normalizePath(resolved), nil
	default:
		return canonicalizeBestEffort(resolved), nil
	}
}

// checkSymlinkSafety walks a symlink chain, bounded at maxSymlinkDepth,
// rejecting cycles and any hop whose target begins with a protected path.
func (v *Validator) checkSymlinkSafety(path string) (string, error) {
	current := path
	visited := make(map[string]bool)

	for i := 0; i < maxSymlinkDepth; i++ {
		info, err := os.Lstat(current)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			break
		}

		if visited[current] {
			return "", apperrors.NewSafetyError(apperrors.KindSymlinkLoop, "symlink loop detected: "+path)
		}
		visited[current] = true

		target, err := os.Readlink(current)
		if err != nil {
			return "", apperrors.NewInternalErrorWithCause("failed to read symlink", err)
		}

		resolvedTarget := target
		if !filepath.IsAbs(target) {
			resolvedTarget = filepath.Join(filepath.Dir(current), target)
		}

		for _, dangerous := range dangerousTargets {
			if strings.HasPrefix(resolvedTarget, dangerous) {
				return "", apperrors.NewSafetyError(apperrors.KindSymlinkToProtected,
					"symlink points to protected system path: "+path+" -> "+resolvedTarget)
			}
		}

		current = resolvedTarget
	}

	if len(visited) >= maxSymlinkDepth {
		return "", apperrors.NewSafetyError(apperrors.KindSymlinkLoop, "symlink chain too deep: "+path)
	}

	return current, nil
}

func isSuspiciousMixedComponent(component string) bool {
	hasNonASCII := false
	hasDot := false
	runeCount := 0
	for _, r := range component {
		runeCount++
		if r > 127 {
			hasNonASCII = true
		}
		if r == '.' {
			hasDot = true
		}
	}
	return hasNonASCII && hasDot && runeCount <= 10
}

// stripUNCPrefix removes the Windows `\\?\` extended-length prefix so
// starts_with-style comparisons against filepath.Join results stay honest.
func stripUNCPrefix(path string) string {
	return strings.TrimPrefix(path, `\\?\`)
}

func canonicalizeBestEffort(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	if abs, err := filepath.Abs(path); err == nil {
		return normalizePath(abs)
	}
	return normalizePath(path)
}

// normalizePath resolves "." and ".." components lexically, without
// touching the filesystem — used only as a last-resort fallback when the
// path does not exist yet.
func normalizePath(path string) string {
	return filepath.Clean(path)
}
