package playback

import (
	"fmt"
	"strings"

	"github.com/qmuntal/gltf"
)

// TargetMap resolves bundle blendshape names to the rendering
// collaborator's morph target indices. Matching is case- and
// separator-insensitive and computed once per model load; unmatched names
// are ignored, since different visual assets expose different morph
// targets.
type TargetMap struct {
	names        []string
	byNormalized map[string]int
}

// NewTargetMap builds the lookup from the renderer's morph target names,
// in their declared order.
func NewTargetMap(names []string) *TargetMap {
	m := &TargetMap{
		names:        names,
		byNormalized: make(map[string]int, len(names)),
	}
	for i, n := range names {
		key := normalizeName(n)
		if _, exists := m.byNormalized[key]; !exists {
			m.byNormalized[key] = i
		}
	}
	return m
}

// Resolve maps a bundle column name to a morph target index.
func (m *TargetMap) Resolve(bundleName string) (int, bool) {
	idx, ok := m.byNormalized[normalizeName(bundleName)]
	return idx, ok
}

// Len returns the number of morph targets.
func (m *TargetMap) Len() int {
	return len(m.names)
}

// Names returns the renderer's morph target names.
func (m *TargetMap) Names() []string {
	return m.names
}

// normalizeName lower-cases a name and strips separators and any table
// prefix ("blendShapes.mouth_open" and "mouthOpen" normalize equal).
func normalizeName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case '_', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LoadModelTargets reads morph target names from a glTF model file. Names
// come from the mesh extras when present, otherwise positional placeholders
// are generated so indices still line up with the renderer.
func LoadModelTargets(path string) ([]string, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	if len(doc.Meshes) == 0 {
		return nil, fmt.Errorf("gltf %s: no meshes", path)
	}

	mesh := doc.Meshes[0]
	if len(mesh.Primitives) == 0 {
		return nil, fmt.Errorf("gltf %s: mesh has no primitives", path)
	}
	targetCount := len(mesh.Primitives[0].Targets)

	names := make([]string, targetCount)
	for i := range names {
		names[i] = fmt.Sprintf("target_%d", i)
	}

	if extras, ok := mesh.Extras.(map[string]interface{}); ok {
		if targetNames, ok := extras["targetNames"].([]interface{}); ok {
			for i, tn := range targetNames {
				if i >= targetCount {
					break
				}
				if s, ok := tn.(string); ok {
					names[i] = s
				}
			}
		}
	}

	return names, nil
}
