package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultRootDir holds runtime state for bundles without a config.json.
const DefaultRootDir = "/run/containerd/wasishim"

// ConfigError reports an instance configuration that cannot be used.
type ConfigError struct {
	Bundle string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Bundle == "" {
		return fmt.Sprintf("invalid instance config: %v", e.Err)
	}
	return fmt.Sprintf("invalid instance config for bundle %s: %v", e.Bundle, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ResolveRootDir returns the directory holding persistent runtime state for
// instances of bundle in namespace. It is root.path from the bundle's
// config.json joined with namespace, or DefaultRootDir/namespace when the
// bundle has no config.json. A relative root.path is taken relative to the
// bundle.
func ResolveRootDir(bundle, namespace string) (string, error) {
	data, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return filepath.Join(DefaultRootDir, namespace), nil
	}
	if err != nil {
		return "", &ConfigError{Bundle: bundle, Err: err}
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return "", &ConfigError{Bundle: bundle, Err: fmt.Errorf("malformed config.json: %w", err)}
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return "", &ConfigError{Bundle: bundle, Err: errors.New("config.json has no root.path")}
	}

	root := spec.Root.Path
	if !filepath.IsAbs(root) {
		root = filepath.Join(bundle, root)
	}
	return filepath.Join(root, namespace), nil
}
