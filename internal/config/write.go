package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const fileHeader = "# offcache configuration\n# Every key can be overridden with OFFCACHE_<SECTION>_<KEY>.\n\n"

// Encode renders c as offcache.toml content.
func Encode(c *Config) ([]byte, error) {
	doc := map[string]any{}
	for key, value := range flatten(c) {
		section, name, nested := strings.Cut(key, ".")
		if !nested {
			doc[key] = value
			continue
		}
		table, ok := doc[section].(map[string]any)
		if !ok {
			table = map[string]any{}
			doc[section] = table
		}
		table[name] = value
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write saves c to path. An existing file is only replaced when overwrite
// is set.
func Write(path string, c *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}

	data, err := Encode(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
