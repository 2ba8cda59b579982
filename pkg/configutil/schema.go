package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/callguard/pkg/errorsx"
)

// Schema lists the keys a provider settings block accepts.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError collects every problem found in one settings block. Keys are
// reported with their full dotted path, e.g. vendors.stt.settings.api_key.
type SettingsError struct {
	Path string
	// Missing holds required keys that are absent or blank.
	Missing []string
	Unknown []string
	// Conflicting holds keys given twice under spellings that normalize to
	// the same name, such as api_key and apiKey.
	Conflicting []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Conflicting) > 0 {
		parts = append(parts, "conflicting: "+strings.Join(e.Conflicting, ", "))
	}
	return strings.Join(parts, "; ")
}

// Check validates input against the schema. Keys match case, underscore
// and hyphen insensitively, the same way DecodeSettings matches fields.
func (s Schema) Check(path string, input map[string]any) error {
	required := make(map[string]string, len(s.Required))
	allowed := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	serr := &SettingsError{Path: path}
	seen := make(map[string]string, len(input))
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		nk := normalizeKey(k)
		if first, dup := seen[nk]; dup {
			serr.Conflicting = append(serr.Conflicting, join(path, first)+" (also "+k+")")
			continue
		}
		seen[nk] = k
		if _, ok := allowed[nk]; !ok && !s.AllowUnknown {
			serr.Unknown = append(serr.Unknown, join(path, k))
		}
		if reqKey, ok := required[nk]; ok && isBlank(input[k]) {
			serr.Missing = append(serr.Missing, join(path, reqKey))
		}
	}
	for nk, reqKey := range required {
		if _, ok := seen[nk]; !ok {
			serr.Missing = append(serr.Missing, join(path, reqKey))
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 && len(serr.Conflicting) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	return errorsx.Wrap(serr, errorsx.ReasonInvalidSettings)
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// isBlank treats an unset ${VAR} reference, which expands to "", the same
// as an absent key.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
