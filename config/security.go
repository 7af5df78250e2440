package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Limits applied to anything read from disk or the environment.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 100
	maxEnvVarLen  = 8192
	maxPathLen    = 4096
)

var configExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// checkConfigPath rejects paths that are empty, oversized, of an unsupported
// type, or relative paths that climb out of the working directory.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case !configExtensions[strings.ToLower(filepath.Ext(path))]:
		return fmt.Errorf("unsupported config file type %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}

	if filepath.IsAbs(path) {
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	rel, err := filepath.Rel(cwd, filepath.Join(cwd, path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config path %s escapes the working directory", path)
	}
	return nil
}

// readConfigFile reads a regular, size-capped config file from fs.
func readConfigFile(fs afero.Fs, path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return data, nil
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkJSONDepth scans data for bracket nesting deeper than maxJSONDepth
// before it reaches encoding/json. Balance errors are left to the decoder.
func checkJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false

	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: more than %d levels", maxJSONDepth)
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}
