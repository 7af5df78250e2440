package publisher

import (
	"fmt"
	"strings"

	"github.com/c360/refdata/errors"
)

// Default destination layout: 2024-05-01/10-30/rules.json
const (
	DefaultDateLayout = "2006-01-02"
	DefaultTimeLayout = "15-04"
	DefaultFileName   = "rules.json"
)

// Config controls where artifacts are staged and under which key they land.
type Config struct {
	// DateLayout and TimeLayout are Go time layouts for the two path segments
	DateLayout string `json:"date_layout" yaml:"date_layout"`
	TimeLayout string `json:"time_layout" yaml:"time_layout"`

	FileName string `json:"file_name" yaml:"file_name"`

	// StagingDir holds temp files before upload; empty means the OS temp dir
	StagingDir string `json:"staging_dir,omitempty" yaml:"staging_dir,omitempty"`
}

// DefaultConfig returns the default layout.
func DefaultConfig() Config {
	return Config{
		DateLayout: DefaultDateLayout,
		TimeLayout: DefaultTimeLayout,
		FileName:   DefaultFileName,
	}
}

// Validate checks the layouts. The time layout must resolve to the minute so
// that at most one publish per polling interval lands in a bucket.
func (c Config) Validate() error {
	if c.DateLayout == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "date_layout is required")
	}
	if !strings.Contains(c.TimeLayout, "04") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: time_layout %q has no minute component (04)", errors.ErrInvalidConfig, c.TimeLayout),
			"Config", "Validate", "check time_layout")
	}
	if c.FileName == "" || strings.Contains(c.FileName, "/") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: file_name %q must be a plain file name", errors.ErrInvalidConfig, c.FileName),
			"Config", "Validate", "check file_name")
	}
	return nil
}
