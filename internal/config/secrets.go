package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type secretsFile struct {
	Secrets map[string]string `toml:"secrets"`
}

// loadSecrets reads the secrets file referenced by data.toml. A missing
// file is not an error — deployments without any secret-bearing config
// values need not carry one.
func loadSecrets(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: read secrets file %s: %w", path, err)
	}
	var sf secretsFile
	if _, err := toml.Decode(string(data), &sf); err != nil {
		return nil, fmt.Errorf("config: parse secrets file %s: %w", path, err)
	}
	if sf.Secrets == nil {
		sf.Secrets = map[string]string{}
	}
	return sf.Secrets, nil
}
