package showrun

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// secretsFile is the on-disk shape of .secrets.json.
type secretsFile struct {
	Version int               `json:"version"`
	Secrets map[string]string `json:"secrets"`
}

// LoadSecrets reads .secrets.json from packDir. A missing file is not an
// error: packs without secrets are the common case.
func LoadSecrets(packDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(packDir, SecretsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, &OperationalError{Op: "read " + SecretsFile, Err: err}
	}
	var f secretsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ValidationError{Errors: []string{SecretsFile + ": " + err.Error()}}
	}
	if f.Secrets == nil {
		f.Secrets = map[string]string{}
	}
	return f.Secrets, nil
}

// SecretInfo describes a declared secret without exposing its value.
type SecretInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsSet       bool   `json:"isSet"`
}

// GetSecretNamesWithValues returns, for each secret the pack declares,
// whether a value is present in .secrets.json. Values themselves are
// consumed only by the templating and replay engines.
func GetSecretNamesWithValues(packDir string) ([]SecretInfo, error) {
	pack, err := LoadPack(packDir)
	if err != nil {
		return nil, err
	}
	values, err := LoadSecrets(packDir)
	if err != nil {
		return nil, err
	}
	infos := make([]SecretInfo, 0, len(pack.Secrets))
	for _, def := range pack.Secrets {
		_, set := values[def.Name]
		infos = append(infos, SecretInfo{Name: def.Name, Description: def.Description, IsSet: set})
	}
	return infos, nil
}
