// -----------------------------------------------------------------------
// Extension manifest loading - *.yaml files in the manifest directory
// -----------------------------------------------------------------------

package extensions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/dossier/internal/interfaces"
)

// LoadManifests reads and validates every *.yaml manifest in dir, sorted
// by extension name. A missing directory yields an empty list.
func LoadManifests(dir string) ([]interfaces.ExtensionManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}

	validate := validator.New()
	var manifests []interfaces.ExtensionManifest
	seen := make(map[string]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}

		var manifest interfaces.ExtensionManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		if err := validate.Struct(&manifest); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
		}
		if prev, dup := seen[manifest.Name]; dup {
			return nil, fmt.Errorf("duplicate extension %q in %s and %s", manifest.Name, prev, path)
		}
		seen[manifest.Name] = path
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}
