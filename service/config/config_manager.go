/*
 * @module service/config/config_manager
 * @description Training parameter loader: reads params.yaml into a nested mapping and resolves dotted key paths on demand
 * @architecture Configuration layer - read-only after load, no defaults for required keys
 * @stateFlow read file -> YAML decode -> lazy path lookups at first use
 * @rules Missing keys fail at lookup time, not at load time; type conversion failures are parse errors
 * @dependencies gopkg.in/yaml.v3, github.com/spf13/cast
 * @refs service/training, client/connectors, service/monitoring
 */

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"regression-trainer/service/trainerr"
)

// DefaultConfigPath is used when --config is not given
const DefaultConfigPath = "params.yaml"

// Params holds the decoded configuration document
type Params struct {
	path string
	root map[string]interface{}
}

// ReadParams reads and decodes the YAML document at path.
func ReadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, trainerr.File("read params", fmt.Errorf("config file %s not found: %w", path, err))
		}
		return nil, trainerr.File("read params", err)
	}

	params, err := ParseParams(data)
	if err != nil {
		return nil, err
	}
	params.path = path
	return params, nil
}

// ParseParams decodes an in-memory YAML document.
func ParseParams(data []byte) (*Params, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, trainerr.Parse("parse params", err)
	}
	if root == nil {
		return nil, trainerr.Newf(trainerr.KindParse, "parse params", "config document is empty")
	}
	return &Params{root: root}, nil
}

// NewParams wraps an already decoded mapping, mainly for tests.
func NewParams(root map[string]interface{}) *Params {
	return &Params{root: root}
}

// Path returns the file the params were read from, if any.
func (p *Params) Path() string {
	return p.path
}

// Lookup resolves a dotted path such as "mlflow_config.run_name".
func (p *Params) Lookup(path string) (interface{}, error) {
	var current interface{} = p.root
	walked := make([]string, 0, 4)
	for _, part := range strings.Split(path, ".") {
		section, err := cast.ToStringMapE(current)
		if err != nil {
			return nil, trainerr.Newf(trainerr.KindLookup, "lookup", "%q is not a mapping, cannot resolve %q", strings.Join(walked, "."), path)
		}
		value, ok := section[part]
		if !ok {
			return nil, trainerr.Newf(trainerr.KindLookup, "lookup", "missing config key %q", path)
		}
		walked = append(walked, part)
		current = value
	}
	return current, nil
}

// Has reports whether the path resolves.
func (p *Params) Has(path string) bool {
	_, err := p.Lookup(path)
	return err == nil
}

// GetString resolves path and converts the value to a string.
func (p *Params) GetString(path string) (string, error) {
	value, err := p.Lookup(path)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		return "", trainerr.Parse("config "+path, err)
	}
	return s, nil
}

// GetInt resolves path and converts the value to an int.
func (p *Params) GetInt(path string) (int, error) {
	value, err := p.Lookup(path)
	if err != nil {
		return 0, err
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return 0, trainerr.Parse("config "+path, err)
	}
	return i, nil
}

// GetStringSlice resolves path as a list of strings; a scalar becomes a one element list.
func (p *Params) GetStringSlice(path string) ([]string, error) {
	value, err := p.Lookup(path)
	if err != nil {
		return nil, err
	}
	if s, ok := value.(string); ok {
		return []string{s}, nil
	}
	list, err := cast.ToStringSliceE(value)
	if err != nil {
		return nil, trainerr.Parse("config "+path, err)
	}
	return list, nil
}

// GetStringOr is GetString for optional keys.
func (p *Params) GetStringOr(path, fallback string) (string, error) {
	if !p.Has(path) {
		return fallback, nil
	}
	return p.GetString(path)
}

// GetIntOr is GetInt for optional keys.
func (p *Params) GetIntOr(path string, fallback int) (int, error) {
	if !p.Has(path) {
		return fallback, nil
	}
	return p.GetInt(path)
}
