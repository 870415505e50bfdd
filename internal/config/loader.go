package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnknownFormat is returned for file extensions other than .yaml, .yml and .toml.
var ErrUnknownFormat = errors.New("config: unknown file format")

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// FormatOf infers the format from a path's extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads a YAML or TOML configuration file, expands environment
// variables, and merges it over Defaults.
func Load(path string) (Settings, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Settings{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	s, err := Merge(Defaults(), raw, format)
	if err != nil {
		return Settings{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return s, nil
}

// Merge overlays raw (after environment expansion) on base and validates
// the result. Keys absent from raw keep base's values; endpoint limits are
// merged per endpoint. base is never modified. Out-of-range values are
// reported, never clamped.
func Merge(base Settings, raw []byte, format Format) (Settings, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("expanding variables: %w", err)
	}

	s := base.clone()
	switch format {
	case FormatYAML:
		err = decodeYAML(expanded, &s)
	case FormatTOML:
		err = decodeTOML(expanded, &s)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return Settings{}, err
	}

	if err := Validate(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func decodeYAML(b []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	return nil
}

func decodeTOML(b []byte, s *Settings) error {
	md, err := toml.Decode(string(b), s)
	if err != nil {
		return fmt.Errorf("parsing toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("parsing toml: unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw bytes.
// Returns an error listing all unresolved variables (no default, no env value).
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if hasDefault {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}
