package keybackend

import (
	"github.com/sagarc03/filevault"
)

// KeysConfig holds configuration for loading signing keys.
type KeysConfig struct {
	Secret string       `mapstructure:"secret"` // Secret of the default key, used for tokens without a kid
	Inline []SigningKey `mapstructure:"inline"` // Inline keys from config
	File   string       `mapstructure:"file"`   // Path to a JSON or YAML file containing keys
}

// NewSecretStore creates a SecretStore from the given configuration.
// It loads the default secret, inline keys and file keys (if specified),
// merging them into a single store. File keys take precedence over inline
// keys, and both over the default secret, if there are duplicates.
func NewSecretStore(cfg KeysConfig) (filevault.SecretStore, error) {
	keys := make(map[string]string)

	if cfg.Secret != "" {
		keys[filevault.DefaultKeyID] = cfg.Secret
	}

	for _, k := range cfg.Inline {
		if k.ID != "" && k.Secret != "" {
			keys[k.ID] = k.Secret
		}
	}

	if cfg.File != "" {
		fileKeys, err := LoadKeysFromFile(cfg.File)
		if err != nil {
			return nil, err
		}
		for k, v := range fileKeys {
			keys[k] = v
		}
	}

	return NewMapSecretStore(keys), nil
}
