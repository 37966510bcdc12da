// Package project implements C2, the project-type registry: recognizing a
// bundle's kind, and providing kind-specific tracked/ignore patterns plus
// cheap non-proprietary metadata extraction.
package project

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/metadata"
)

//go:embed kinds.yaml
var kindsYAML []byte

// Kind identifies one supported bundle layout.
type Kind string

// ignoreCategory groups ignore patterns under a human-auditable heading
// (spec.md §4.2: "grouped by category... so the user can audit them").
type ignoreCategory struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

type kindDefinition struct {
	Name             string           `yaml:"name"`
	SignatureFile    string           `yaml:"signature_file"`
	SignatureExt     string           `yaml:"signature_ext"`
	Tracked          []string         `yaml:"tracked"`
	IgnoreCategories []ignoreCategory `yaml:"ignore_categories"`
}

type kindsDoc struct {
	Kinds []kindDefinition `yaml:"kinds"`
}

// Registry is C2. It is immutable after construction, safe for concurrent
// use by every bundle's orchestrator.
type Registry struct {
	kinds     map[Kind]kindDefinition
	order     []Kind
	extractor map[Kind]func(root string) (metadata.CommitMetadata, error)
}

// NewRegistry loads the embedded kind definitions and wires the built-in
// metadata extractors. Extending the registry with a kind the binary
// doesn't ship embedded data for is not supported: there is no runtime
// registration of kinds.
func NewRegistry() (*Registry, error) {
	var doc kindsDoc
	if err := yaml.Unmarshal(kindsYAML, &doc); err != nil {
		return nil, errs.Wrap(err, "project: parsing embedded kinds.yaml")
	}

	reg := &Registry{
		kinds:     make(map[Kind]kindDefinition, len(doc.Kinds)),
		extractor: map[Kind]func(string) (metadata.CommitMetadata, error){},
	}

	for _, k := range doc.Kinds {
		kind := Kind(k.Name)
		reg.kinds[kind] = k
		reg.order = append(reg.order, kind)
	}

	reg.extractor[KindAudio] = extractAudioMetadata
	reg.extractor[KindModel3D] = extractModel3DMetadata

	return reg, nil
}

const (
	KindAudio   Kind = "audio"
	KindModel3D Kind = "model3d"
	KindGeneric Kind = "generic"
)

// Detect examines path's layout and returns the matching kind, or
// errs.ErrNotABundle if nothing matches (the generic kind is never
// returned here; callers fall back to it on ErrNotABundle).
func (r *Registry) Detect(path string) (Kind, error) {
	for _, kind := range r.order {
		if kind == KindGeneric {
			continue
		}

		def := r.kinds[kind]

		if def.SignatureFile != "" {
			if _, err := os.Stat(filepath.Join(path, def.SignatureFile)); err == nil {
				return kind, nil
			}

			continue
		}

		if def.SignatureExt != "" {
			found, err := hasFileWithExt(path, def.SignatureExt)
			if err != nil {
				return "", errs.Wrap(err, "project: scanning for signature extension")
			}

			if found {
				return kind, nil
			}
		}
	}

	return "", errs.ErrNotABundle
}

func hasFileWithExt(root, ext string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, err
	}

	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			return true, nil
		}
	}

	return false, nil
}

// TrackedPaths returns the glob patterns that must be staged for kind.
func (r *Registry) TrackedPaths(kind Kind) []string {
	def, ok := r.kinds[kind]
	if !ok {
		return nil
	}

	return append([]string(nil), def.Tracked...)
}

// IgnorePatterns returns every ignore pattern for kind, flattened in
// category order (stable, matching the generated ignore file's layout).
func (r *Registry) IgnorePatterns(kind Kind) []string {
	def, ok := r.kinds[kind]
	if !ok {
		return nil
	}

	var patterns []string
	for _, cat := range def.IgnoreCategories {
		patterns = append(patterns, cat.Patterns...)
	}

	return patterns
}

// cacheSizeHint is the illustrative threshold used in the generated ignore
// file's comment for the "application caches" category, so a human can see
// roughly what's being excluded instead of a bare pattern list.
const cacheSizeHint = 50 * 1000 * 1000

// GenerateIgnoreFile renders the category-commented ignore file for kind
// (spec.md §6). It only renders text; the refusal to overwrite an existing
// file lives in WriteIgnoreFile.
func (r *Registry) GenerateIgnoreFile(kind Kind) (string, error) {
	def, ok := r.kinds[kind]
	if !ok {
		return "", errs.Wrapf(errs.ErrNotABundle, "project: unknown kind %q", kind)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "# bvc ignore file - kind: %s\n", def.Name)
	fmt.Fprintf(&b, "# regenerate is refused if this file already exists; edit by hand instead.\n\n")

	for _, cat := range def.IgnoreCategories {
		fmt.Fprintf(&b, "# %s\n", cat.Name)

		if cat.Name == "application caches" {
			fmt.Fprintf(&b, "# typically exceeds %s per bundle\n", units.HumanSize(cacheSizeHint))
		}

		for _, p := range cat.Patterns {
			fmt.Fprintln(&b, p)
		}

		b.WriteString("\n")
	}

	return b.String(), nil
}

// WriteIgnoreFile writes the generated ignore file to root, refusing to
// overwrite an existing one (spec.md §6: "survive re-initialization").
func (r *Registry) WriteIgnoreFile(root string, kind Kind) error {
	path := filepath.Join(root, ".bvcignore")

	if _, err := os.Stat(path); err == nil {
		return errs.Wrapf(errs.ErrBundleCorrupt, "project: ignore file already exists at %s, refusing to overwrite", path)
	}

	content, err := r.GenerateIgnoreFile(kind)
	if err != nil {
		return err
	}

	return os.WriteFile(path, []byte(content), 0o644)
}

// ExtractMetadata reads cheap, non-proprietary signals for kind at root. It
// never attempts binary format parsing (spec.md §4.2); unknown fields stay
// nil.
func (r *Registry) ExtractMetadata(root string, kind Kind) (metadata.CommitMetadata, error) {
	extractor, ok := r.extractor[kind]
	if !ok {
		return metadata.CommitMetadata{Kind: metadata.Kind(kind)}, nil
	}

	m, err := extractor(root)
	if err != nil {
		return metadata.CommitMetadata{}, err
	}

	m.Kind = metadata.Kind(kind)

	return m, nil
}

// extractAudioMetadata reads an optional plain-text "project.txt" index
// file of "key: value" lines (never the proprietary projectData file
// itself) for tempo, sample rate, key, time signature and tags.
func extractAudioMetadata(root string) (metadata.CommitMetadata, error) {
	m := metadata.CommitMetadata{}

	index, err := readIndexFile(filepath.Join(root, "project.txt"))
	if err != nil {
		return metadata.CommitMetadata{}, err
	}

	if v, ok := index["tempo_bpm"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			m.TempoBPM = &f
		}
	}

	if v, ok := index["sample_rate_hz"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.SampleRateHz = &n
		}
	}

	if v, ok := index["key"]; ok && v != "" {
		m.Key = &v
	}

	if v, ok := index["time_signature"]; ok {
		if num, den, ok := strings.Cut(v, "/"); ok {
			n, nErr := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
			d, dErr := strconv.ParseInt(strings.TrimSpace(den), 10, 64)

			if nErr == nil && dErr == nil {
				m.TimeSigNum = &n
				m.TimeSigDen = &d
			}
		}
	}

	if v, ok := index["tags"]; ok && v != "" {
		m.Tags = strings.Split(v, ",")
	}

	return m, nil
}

// extractModel3DMetadata derives file-system-level signals only, never
// parsing the model format itself: LayerCount is the number of .m3dproj
// files, GroupCount the number of distinct parent directories of the
// directories nested under meshes/, and FileSizeBytes the total size of
// every file under root.
func extractModel3DMetadata(root string) (metadata.CommitMetadata, error) {
	m := metadata.CommitMetadata{}

	var (
		layerCount int64
		groupDirs  = map[string]bool{}
		totalSize  int64
	)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if strings.Contains(path, string(filepath.Separator)+"meshes"+string(filepath.Separator)) {
				groupDirs[filepath.Dir(path)] = true
			}

			return nil
		}

		if strings.EqualFold(filepath.Ext(path), ".m3dproj") {
			layerCount++
		}

		info, statErr := d.Info()
		if statErr == nil {
			totalSize += info.Size()
		}

		return nil
	})
	if err != nil {
		return metadata.CommitMetadata{}, errs.Wrap(err, "project: walking 3d bundle")
	}

	if layerCount > 0 {
		m.LayerCount = &layerCount
	}

	groups := int64(len(groupDirs))
	if groups > 0 {
		m.GroupCount = &groups
	}

	if totalSize > 0 {
		m.FileSizeBytes = &totalSize
	}

	return m, nil
}

// readIndexFile parses "key: value" lines, one per line, tolerating a
// missing file (returns an empty map, not an error).
func readIndexFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}

		return nil, errs.Wrapf(err, "project: reading index file %s", path)
	}

	out := map[string]string{}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return out, nil
}

// Match reports whether relPath (slash-separated, repo-root-relative)
// matches glob pattern, supporting "**" as "any number of path segments"
// in addition to the usual "*"/"?" single-segment wildcards. Shared by the
// ignore-file invariant test and C7's event filtering.
func Match(pattern, relPath string) bool {
	re, err := regexp.Compile(globToRegexpSource(pattern))
	if err != nil {
		return false
	}

	return re.MatchString(relPath)
}

func globToRegexpSource(pattern string) string {
	var b strings.Builder

	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case i+1 < len(runes) && runes[i] == '*' && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case runes[i] == '*':
			b.WriteString("[^/]*")
		case runes[i] == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}

	b.WriteString("$")

	return b.String()
}

// Kinds returns every registered kind name, sorted, for CLI help/listing.
func (r *Registry) Kinds() []string {
	names := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		names = append(names, string(k))
	}

	sort.Strings(names)

	return names
}
