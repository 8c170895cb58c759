// Package definition reads workflow documents from YAML or JSON files.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported workflow file format")
	ErrDuplicateID       = errors.New("duplicate workflow id")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadError ties a decoding or validation failure to the file it came from.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("workflow file %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// Load reads one workflow document. A document without an id takes the file
// name, without extension, as its id.
func Load(path string) (*models.Workflow, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, &LoadError{Path: path, Err: ErrUnsupportedFormat}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	wf, err := Parse(data, format)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return wf, nil
}

// Parse decodes and structurally validates a workflow document. Unknown
// fields are rejected. Graph rules are checked later, when the workflow is
// registered against a connector registry.
func Parse(data []byte, format Format) (*models.Workflow, error) {
	var wf models.Workflow

	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)

		err := decoder.Decode(&wf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()

		err := decoder.Decode(&wf)
		if err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	err := validate.Struct(wf)
	if err != nil {
		return nil, err
	}

	return &wf, nil
}

// LoadDir loads every workflow file directly under dir, ordered by file name.
// Files with other extensions are ignored. All failures are reported together.
func LoadDir(dir string) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if _, ok := FormatOf(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}

	slices.Sort(names)

	var (
		workflows []*models.Workflow
		errs      []error
	)

	seen := make(map[string]string, len(names))

	for _, name := range names {
		path := filepath.Join(dir, name)

		wf, err := Load(path)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if first, ok := seen[wf.ID]; ok {
			errs = append(errs, &LoadError{Path: path, Err: fmt.Errorf("%w %q, first defined in %s", ErrDuplicateID, wf.ID, first)})

			continue
		}

		seen[wf.ID] = path
		workflows = append(workflows, wf)
	}

	return workflows, errors.Join(errs...)
}
