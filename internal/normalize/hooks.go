package normalize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	profileType = reflect.TypeOf(profileRow{})
	joinedTypes = map[reflect.Type]struct{}{
		profileType:                {},
		reflect.TypeOf(actorRow{}): {},
		reflect.TypeOf(postJoin{}): {},
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999",
	}
)

func decodeRow(row map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timestampHook,
			stringListHook,
			joinedRowHook,
		),
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(row)
}

// timestampHook accepts RFC3339 and the zone-less forms Postgres emits.
func timestampHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", raw)
}

// stringListHook turns a bare string, or a JSON-encoded array held in a string,
// into a list.
func stringListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return []string{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed, nil
		}
	}
	return []string{raw}, nil
}

// joinedRowHook unwraps one-to-one joins that arrive as single-element arrays.
func joinedRowHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if _, ok := joinedTypes[to]; !ok {
		return data, nil
	}
	if from.Kind() != reflect.Slice {
		return data, nil
	}
	items := reflect.ValueOf(data)
	if items.Len() == 0 {
		return map[string]any{}, nil
	}
	return items.Index(0).Interface(), nil
}

func splitImages(images []string, imageURL string) ([]string, string) {
	cleaned := make([]string, 0, len(images))
	for _, image := range images {
		if trimmed := strings.TrimSpace(image); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	imageURL = strings.TrimSpace(imageURL)
	if len(cleaned) == 0 && imageURL != "" {
		list, _ := stringListHook(reflect.TypeOf(""), reflect.TypeOf([]string(nil)), imageURL)
		cleaned = list.([]string)
	}
	if strings.HasPrefix(imageURL, "[") && len(cleaned) > 0 {
		imageURL = cleaned[0]
	}
	if imageURL == "" && len(cleaned) > 0 {
		imageURL = cleaned[0]
	}
	return cleaned, imageURL
}
