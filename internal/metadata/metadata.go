// Package metadata implements the bijective encoding between CommitMetadata
// and the trailing bracket footer appended to commit messages.
//
// Grammar: a single line, preceded by a blank line after any user prose,
// of the form `[key1: value1 | key2: value2 | tags: a,b,c]`. Keys are
// lowercase ASCII identifiers; integers are decimal, floats carry at most
// one decimal place, tags are comma-joined. Absent fields are omitted
// entirely rather than emitted empty.
//
// Decoding is permissive: unknown keys survive in Extensions instead of
// being rejected, and a malformed bracket group is treated as absent (the
// whole message falls back to plain prose) rather than an error - this
// mirrors the frontmatter parser's "never silently discard fields, but
// never hard-fail on foreign input either" stance.
package metadata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind selects which CommitMetadata fields are meaningful. Extending this
// list is a C2 concern (internal/project); the codec itself is kind-agnostic
// beyond using Kind to pick an emission order.
type Kind string

const (
	KindAudio   Kind = "audio"
	KindModel3D Kind = "model3d"
)

// CommitMetadata is the tagged union of spec.md §3. Only the fields
// relevant to Kind should be populated; the codec does not enforce this -
// callers in internal/project do.
type CommitMetadata struct {
	Kind Kind

	// Audio variant.
	TempoBPM      *float64
	SampleRateHz  *int64
	Key           *string
	TimeSigNum    *int64
	TimeSigDen    *int64

	// 3D variant.
	Units          *string
	LayerCount     *int64
	ComponentCount *int64
	GroupCount     *int64
	FileSizeBytes  *int64

	// Shared.
	Tags []string

	// Extensions preserves keys this codec version doesn't recognize, keyed
	// by the lowercase identifier as it appeared in the footer.
	Extensions map[string]string
}

// knownKeyOrder lists the recognized keys in the fixed order encodePairs
// emits them, which keeps Encode output deterministic.
var knownKeyOrder = []string{
	"tempo_bpm", "sample_rate_hz", "key", "time_signature",
	"units", "layer_count", "component_count", "group_count", "file_size_bytes",
	"tags",
}

// Encode renders m as a footer line, e.g. "[tempo_bpm: 120.5 | key: Cmaj]".
// Returns "" if m has no populated fields at all (no footer should be
// appended in that case).
func Encode(m CommitMetadata) string {
	pairs := encodePairs(m)
	if len(pairs) == 0 {
		return ""
	}

	return "[" + strings.Join(pairs, " | ") + "]"
}

func encodePairs(m CommitMetadata) []string {
	var pairs []string

	add := func(key, value string) {
		pairs = append(pairs, key+": "+value)
	}

	if m.TempoBPM != nil {
		add("tempo_bpm", formatFloat1dp(*m.TempoBPM))
	}

	if m.SampleRateHz != nil {
		add("sample_rate_hz", strconv.FormatInt(*m.SampleRateHz, 10))
	}

	if m.Key != nil && *m.Key != "" {
		add("key", *m.Key)
	}

	if m.TimeSigNum != nil && m.TimeSigDen != nil {
		add("time_signature", fmt.Sprintf("%d/%d", *m.TimeSigNum, *m.TimeSigDen))
	}

	if m.Units != nil && *m.Units != "" {
		add("units", *m.Units)
	}

	if m.LayerCount != nil {
		add("layer_count", strconv.FormatInt(*m.LayerCount, 10))
	}

	if m.ComponentCount != nil {
		add("component_count", strconv.FormatInt(*m.ComponentCount, 10))
	}

	if m.GroupCount != nil {
		add("group_count", strconv.FormatInt(*m.GroupCount, 10))
	}

	if m.FileSizeBytes != nil {
		add("file_size_bytes", strconv.FormatInt(*m.FileSizeBytes, 10))
	}

	if len(m.Tags) > 0 {
		tags := append([]string(nil), m.Tags...)
		sort.Strings(tags)
		add("tags", strings.Join(tags, ","))
	}

	extKeys := make([]string, 0, len(m.Extensions))
	for k := range m.Extensions {
		extKeys = append(extKeys, k)
	}

	sort.Strings(extKeys)

	for _, k := range extKeys {
		add(k, m.Extensions[k])
	}

	return pairs
}

func formatFloat1dp(f float64) string {
	s := strconv.FormatFloat(f, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}

// Decode parses a standalone footer line (no surrounding brackets stripped
// by the caller - pass the raw "[...]" line). Returns ok=false if the line
// is not a well-formed bracket group, in which case callers should treat it
// as part of the message body instead.
func Decode(line string) (CommitMetadata, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
		return CommitMetadata{}, false
	}

	inner := trimmed[1 : len(trimmed)-1]
	if strings.TrimSpace(inner) == "" {
		return CommitMetadata{}, false
	}

	parts := strings.Split(inner, "|")

	m := CommitMetadata{Extensions: map[string]string{}}
	sawAny := false

	for _, part := range parts {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return CommitMetadata{}, false
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "" || value == "" || !isLowerASCIIIdent(key) {
			return CommitMetadata{}, false
		}

		if err := assignKnown(&m, key, value); err != nil {
			m.Extensions[key] = value
		}

		sawAny = true
	}

	if len(m.Extensions) == 0 {
		m.Extensions = nil
	}

	return m, sawAny
}

func assignKnown(m *CommitMetadata, key, value string) error {
	switch key {
	case "tempo_bpm":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}

		m.TempoBPM = &f
	case "sample_rate_hz":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}

		m.SampleRateHz = &n
	case "key":
		v := value
		m.Key = &v
	case "time_signature":
		num, den, ok := strings.Cut(value, "/")
		if !ok {
			return fmt.Errorf("metadata: malformed time_signature %q", value)
		}

		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return err
		}

		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil {
			return err
		}

		m.TimeSigNum = &n
		m.TimeSigDen = &d
	case "units":
		v := value
		m.Units = &v
	case "layer_count":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}

		m.LayerCount = &n
	case "component_count":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}

		m.ComponentCount = &n
	case "group_count":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}

		m.GroupCount = &n
	case "file_size_bytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}

		m.FileSizeBytes = &n
	case "tags":
		if value == "" {
			m.Tags = nil
			return nil
		}

		m.Tags = strings.Split(value, ",")
	default:
		return fmt.Errorf("metadata: unknown key %q", key)
	}

	return nil
}

func isLowerASCIIIdent(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i != 0:
		case r >= '0' && r <= '9' && i != 0:
		default:
			return false
		}
	}

	return true
}

// ComposeMessage builds the full commit message: headline, optional body,
// then the C3 footer, matching spec.md §6's layout exactly.
func ComposeMessage(headline, body string, m *CommitMetadata) string {
	var b strings.Builder

	b.WriteString(headline)

	if body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}

	if m != nil {
		if footer := Encode(*m); footer != "" {
			b.WriteString("\n\n")
			b.WriteString(footer)
		}
	}

	return b.String()
}

// ParseMessage splits a full commit message into its prose and, if the last
// non-empty line is a well-formed bracket group, its decoded metadata.
func ParseMessage(message string) (prose string, meta *CommitMetadata) {
	lines := strings.Split(message, "\n")

	lastNonEmpty := -1

	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			lastNonEmpty = i
			break
		}
	}

	if lastNonEmpty == -1 {
		return message, nil
	}

	decoded, ok := Decode(lines[lastNonEmpty])
	if !ok {
		return message, nil
	}

	prose = strings.TrimRight(strings.Join(lines[:lastNonEmpty], "\n"), "\n")

	return prose, &decoded
}
