package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/harunnryd/callguard/pkg/errorsx"
)

// DecodeSettings decodes a free-form settings map into a typed struct.
// Duration fields accept strings such as "750ms" as well as plain integers
// of nanoseconds.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeProvider checks settings against schema and decodes them into out.
// path is the settings block's location in the config file, e.g.
// "vendors.stt.settings". Errors carry the invalid_settings reason.
func DecodeProvider(path string, input map[string]any, schema Schema, out any) error {
	if err := schema.Check(path, input); err != nil {
		return err
	}
	if err := DecodeSettings(input, out); err != nil {
		return errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.ReasonInvalidSettings)
	}
	return nil
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return errorsx.Wrap(fmt.Errorf("%s is required", path), errorsx.ReasonInvalidSettings)
	}
	return nil
}

// BoolValue returns fallback when value is nil.
func BoolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// IntValue returns fallback when value is nil.
func IntValue(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
