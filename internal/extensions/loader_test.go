package extensions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

const entitiesManifest = `
name: entities
version: "1.0.0"
api_prefix: /api/entities
schema_name: entities
subscribes:
  - stage.ner.completed
publishes:
  - entities.extracted
`

const timelineManifest = `
name: timeline
version: "0.2.0"
api_prefix: /api/timeline
schema_name: timeline
pools:
  - name: timeline-build
    resource_tier: cpu-light
    max_concurrency: 2
    job_timeout: 30s
`

func TestLoadManifests_SortedByName(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "timeline.yaml", timelineManifest)
	writeManifest(t, dir, "entities.yml", entitiesManifest)
	writeManifest(t, dir, "README.md", "not a manifest")

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, "entities", manifests[0].Name)
	assert.Equal(t, "timeline", manifests[1].Name)

	assert.Equal(t, []string{"stage.ner.completed"}, manifests[0].Subscribes)
	require.Len(t, manifests[1].Pools, 1)
	assert.Equal(t, "timeline-build", manifests[1].Pools[0].Name)
	assert.Equal(t, 30*time.Second, manifests[1].Pools[0].JobTimeout)
}

func TestLoadManifests_MissingDirIsEmpty(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestLoadManifests_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	// api_prefix must start with a slash
	writeManifest(t, dir, "bad.yaml", `
name: bad
version: "1.0.0"
api_prefix: api/bad
schema_name: bad
`)

	_, err := LoadManifests(dir)
	assert.Error(t, err)
}

func TestLoadManifests_DuplicateNameRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", entitiesManifest)
	writeManifest(t, dir, "b.yaml", entitiesManifest)

	_, err := LoadManifests(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate extension")
}

func TestLoadManifests_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.yaml", "name: [unclosed")

	_, err := LoadManifests(dir)
	assert.Error(t, err)
}
