package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/gamesync/internal/assets/schemas"
	"github.com/3leaps/gamesync/pkg/record"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID identifies the job manifest schema.
const SchemaID = "gamesync/v1.0.0/job-manifest"

var (
	// ErrSchemaNotFound means the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed is matched by every ValidationErrors value.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var compiled = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.JobManifestSchema) == 0 {
		return nil, fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
	}
	v, err := schema.NewValidator(schemasassets.JobManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return v, nil
})

// ValidationError is one problem found in a manifest. Path is a JSON
// pointer such as "/outputs/1/merge".
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

func (e ValidationErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Validate checks an in-memory manifest against the schema. Fields unknown
// to Manifest cannot be detected this way; use ValidateRaw on the source
// document for that.
func Validate(m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return ValidateRaw(doc)
}

// ValidateRaw checks a JSON document against the embedded schema.
func ValidateRaw(doc []byte) error {
	v, err := compiled()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	return errs.orNil()
}

// Check enforces the rules the schema cannot express: output names and
// files are unique, outputs that read the secondary query have one
// configured, merge columns are distinct once normalized, and every
// duration parses.
func (m *Manifest) Check() error {
	var errs ValidationErrors

	names := make(map[string]bool, len(m.Outputs))
	files := make(map[string]string, len(m.Outputs))
	for i, o := range m.Outputs {
		at := fmt.Sprintf("/outputs/%d", i)
		if names[o.Name] {
			errs = append(errs, ValidationError{Path: at + "/name", Message: fmt.Sprintf("duplicate output name %q", o.Name)})
		}
		names[o.Name] = true

		// Compare with the placeholder unexpanded so two outputs that only
		// differ by scope still collide.
		p := m.OutputPath(o, "{scope}")
		if other, ok := files[p]; ok {
			errs = append(errs, ValidationError{Path: at + "/path", Message: fmt.Sprintf("output %q writes to the same file as %q", o.Name, other)})
		}
		files[p] = o.Name

		if m.Upstream.Secondary == nil && (o.Merge != nil || o.Source == SourceSecondary) {
			errs = append(errs, ValidationError{Path: at, Message: "requires upstream.secondary"})
		}
		if o.Merge != nil {
			errs = append(errs, checkKeep(at+"/merge/keep", o.Merge)...)
		}
	}

	if _, err := m.ParseDurations(); err != nil {
		var derrs ValidationErrors
		if errors.As(err, &derrs) {
			errs = append(errs, derrs...)
		}
	}
	return errs.orNil()
}

// checkKeep reports kept columns that collide with another kept column or
// with the join key after normalization.
func checkKeep(at string, mc *MergeConfig) ValidationErrors {
	var errs ValidationErrors
	join := record.NormalizeColumn(mc.JoinKey)
	seen := make(map[string]string, len(mc.Keep))
	for i, c := range mc.Keep {
		n := record.NormalizeColumn(c)
		path := fmt.Sprintf("%s/%d", at, i)
		switch prev, dup := seen[n]; {
		case n == join:
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("column %q is the join key", c)})
		case dup:
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate keep column %q (same as %q)", c, prev)})
		default:
			seen[n] = c
		}
	}
	return errs
}
