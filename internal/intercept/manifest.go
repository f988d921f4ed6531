package intercept

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists what Install precaches into the static partition.
//
// Example precache.yaml:
//
//	offline_page: /offline.html
//	static:
//	  - /
//	  - /app.js
//	  - /styles.css
type Manifest struct {
	OfflinePage string   `yaml:"offline_page"`
	Static      []string `yaml:"static"`
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// URLs returns the paths to precache, always including the offline page.
func (m *Manifest) URLs() []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range append([]string{m.OfflinePage}, m.Static...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}
