// Package validation checks request inputs before they reach the database or
// filesystem. Filter codes are restricted to the character sets the point
// tables actually use, and export filenames are confined to the export
// directory so a download request can never address an arbitrary path.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Filter code shapes. Codes are uppercased identifiers in the source tables;
// anything outside these sets is rejected rather than escaped.
var (
	deptRe     = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)
	divisiRe   = regexp.MustCompile(`^[A-Za-z0-9_]{1,10}$`)
	blokRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,15}$`)
	filenameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+\.kml$`)
)

// ErrUnsafeFilename is returned for a download name that is not a plain KML
// filename or that resolves outside the export directory.
var ErrUnsafeFilename = errors.New("unsafe export filename")

// New returns a validator with the domain rules registered. Request structs
// bind them with `validate:"dept_code"`, `validate:"divisi_code"`, and
// `validate:"blok_code"` tags; all three accept the empty string so that an
// omitted filter means "all".
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for an empty tag name.
	_ = v.RegisterValidation("dept_code", matcher(deptRe))
	_ = v.RegisterValidation("divisi_code", matcher(divisiRe))
	_ = v.RegisterValidation("blok_code", matcher(blokRe))

	return v
}

func matcher(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || re.MatchString(s)
	}
}

// FieldErrors flattens validator errors into one readable message per field.
func FieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "dept_code":
			msgs = append(msgs, fmt.Sprintf("%s: must be 1-10 alphanumeric characters", fe.Field()))
		case "divisi_code":
			msgs = append(msgs, fmt.Sprintf("%s: must be 1-10 characters (letters, digits, underscore)", fe.Field()))
		case "blok_code":
			msgs = append(msgs, fmt.Sprintf("%s: must be 1-15 characters (letters, digits, underscore, hyphen)", fe.Field()))
		case "min", "max", "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s: out of range", fe.Field()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: invalid", fe.Field()))
		}
	}
	return msgs
}

// SafeExportPath validates a requested download name and resolves it inside
// exportDir. The filename must be a bare `name.kml` — no separators, no dot
// segments — and the joined path must stay within exportDir even after
// cleaning.
func SafeExportPath(exportDir, filename string) (string, error) {
	if !filenameRe.MatchString(filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, filename)
	}

	base := filepath.Clean(exportDir)
	full := filepath.Clean(filepath.Join(base, filename))

	// Belt and braces: the regexp already forbids separators, but verify
	// containment so a future pattern change cannot open a traversal hole.
	if full != filepath.Join(base, filename) || !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes export directory", ErrUnsafeFilename, filename)
	}

	return full, nil
}
