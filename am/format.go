package am

import (
	"encoding/json"
	"os"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/spacerjobs/errors"
)

// Output formats supported by Render
const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render renders the effective configuration in format, keyed the same way
// as the config file. Secrets are redacted.
func Render(c *Config, format string) (string, error) {
	text, err := RenderTOML(c)
	if err != nil || format == FormatTOML {
		return text, err
	}

	var tree map[string]any
	if err := toml.Unmarshal([]byte(text), &tree); err != nil {
		return "", errors.Wrap(err, "failed to re-read rendered config")
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to JSON")
		}
		return string(data) + "\n", nil
	case FormatYAML:
		data, err := yaml.Marshal(tree)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to YAML")
		}
		return string(data), nil
	default:
		return "", errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

// CheckKeys reports keys in a config file that no setting reads. Viper
// ignores them silently, so a typo would otherwise fall back to a default.
func CheckKeys(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open config file %s", path)
	}
	defer f.Close()

	var cfg Config
	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return errors.Newf("%s has unknown keys:\n%s", path, strict.String())
		}
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}
