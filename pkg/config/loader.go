package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trawler-io/trawler/pkg/errors"
)

// Load reads a YAML file into config, substituting ${VAR} references with
// environment variable values first.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}

	return nil
}

// Save writes config to a YAML file.
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables substitute to the empty string.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
