package domain

import (
	"path"
	"regexp"
	"strings"
)

// Upload constraints.
const (
	// MaxFileSize is the single-file maximum in bytes.
	MaxFileSize int64 = 10 * 1024 * 1024

	// MaxFilenameLength caps sanitized display names.
	MaxFilenameLength = 255

	// MaxContentTypeLength caps declared MIME types.
	MaxContentTypeLength = 100

	// MaxOwnerIDLength caps owner identities.
	MaxOwnerIDLength = 255
)

// blockedContentTypes are executable MIME types that are always rejected.
var blockedContentTypes = map[string]struct{}{
	"application/x-msdownload":    {},
	"application/x-msdos-program": {},
	"application/x-executable":    {},
	"application/x-sharedlib":     {},
	"application/x-sh":            {},
	"application/x-shellscript":   {},
	"text/x-python":               {},
	"text/x-php":                  {},
	"application/javascript":      {},
}

// windowsReservedNames cause problems as filenames on Windows shares.
var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

var ownerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateOwner checks an owner identity: non-empty, bounded length,
// restricted character set, no leading dot.
func ValidateOwner(owner string) error {
	if owner == "" {
		return ErrOwnerRequired
	}
	if len(owner) > MaxOwnerIDLength {
		return ErrOwnerInvalid
	}
	if !ownerIDPattern.MatchString(owner) {
		return ErrOwnerInvalid
	}
	if strings.HasPrefix(owner, ".") {
		return ErrOwnerInvalid
	}
	switch owner {
	case ".", "..", "-", "--":
		return ErrOwnerInvalid
	}
	return nil
}

// ValidateContentType rejects blocked MIME types and over-long values.
func ValidateContentType(contentType string) error {
	if len(contentType) > MaxContentTypeLength {
		return ErrContentTypeBlocked
	}
	// Strip parameters ("text/plain; charset=utf-8").
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.ToLower(strings.TrimSpace(base))
	if _, blocked := blockedContentTypes[base]; blocked {
		return ErrContentTypeBlocked
	}
	return nil
}

// SanitizeFilename strips path components, dangerous characters and
// control characters from a user-supplied filename, guards against
// Windows reserved names, and bounds the length while keeping the
// extension intact. Returns "unnamed_file" if nothing survives.
func SanitizeFilename(name string) string {
	// Defeat path traversal: keep only the final element.
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 32 || r == 127:
			b.WriteByte('_')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), ". _")

	if name == "" || name == "." || name == ".." {
		return "unnamed_file"
	}

	base := name
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	if _, reserved := windowsReservedNames[strings.ToUpper(name)]; reserved {
		name = "_" + name
	} else if _, reserved := windowsReservedNames[strings.ToUpper(base)]; reserved {
		name = "_" + name
	}

	if len(name) > MaxFilenameLength {
		ext := path.Ext(name)
		if len(ext) < MaxFilenameLength {
			name = name[:MaxFilenameLength-len(ext)] + ext
		} else {
			name = name[:MaxFilenameLength]
		}
	}

	return name
}

// ValidateDisplayName checks a (rename target) display name without
// sanitizing it.
func ValidateDisplayName(name string) error {
	if name == "" || len(name) > MaxFilenameLength {
		return ErrFilenameInvalid
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrFilenameInvalid
	}
	return nil
}
