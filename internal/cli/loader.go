package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/qplan/internal/fixture"
)

// Error codes for command-level failures. Fixture validation reports
// the fixture package's own E2xx codes.
const (
	ErrCodeGeneric    = "E001" // Generic/unknown error
	ErrCodeLoadFailed = "E004" // Fixture file could not be parsed
	ErrCodeNotFound   = "E005" // Path not found
	ErrCodeArchive    = "E007" // Archive open, write or read error
)

// LoadError describes why fixtures could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Details []fixture.ValidationError
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadFixtures loads the fixtures in a file, or in every fixture file
// directly inside a directory.
func LoadFixtures(path string) ([]*fixture.Fixture, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", path)}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
	}

	var fixtures []*fixture.Fixture
	if info.IsDir() {
		fixtures, err = fixture.LoadDir(path)
	} else {
		fixtures, err = fixture.Load(path)
	}
	if err != nil {
		return nil, loadError(err)
	}
	return fixtures, nil
}

// loadError classifies a fixture loading error. Validation failures
// carry the code of their first error and the full list as details.
func loadError(err error) *LoadError {
	var verrs fixture.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &LoadError{Code: verrs[0].Code, Message: err.Error(), Details: verrs}
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// failLoad reports a loading error through formatter.
func failLoad(formatter *OutputFormatter, err error) error {
	var le *LoadError
	if !errors.As(err, &le) {
		return formatter.Fail(ErrCodeGeneric, err.Error(), nil)
	}
	if len(le.Details) > 0 {
		return formatter.Fail(le.Code, le.Message, le.Details)
	}
	return formatter.Fail(le.Code, le.Message, nil)
}
