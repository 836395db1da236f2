package keybackend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SigningKey is a key ID and the HMAC secret tokens carrying it are signed with.
type SigningKey struct {
	ID     string `json:"id" yaml:"id" mapstructure:"id"`
	Secret string `json:"secret" yaml:"secret" mapstructure:"secret"`
}

// LoadKeysFromFile loads signing keys from a JSON or YAML file, chosen by
// extension (.yaml and .yml are YAML, anything else JSON).
// The file should contain a list of keys:
//
//	[
//	  {"id": "2024-01", "secret": "c2VjcmV0..."},
//	  {"id": "2024-06", "secret": "YW5vdGhl..."}
//	]
//
// Returns a map of key ID to secret.
func LoadKeysFromFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from trusted config file
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}

	var keys []SigningKey
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &keys)
	default:
		err = json.Unmarshal(data, &keys)
	}
	if err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}

	m := make(map[string]string, len(keys))
	for _, k := range keys {
		if k.ID != "" && k.Secret != "" {
			m[k.ID] = k.Secret
		}
	}

	return m, nil
}
