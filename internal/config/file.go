package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
)

// SettingsSetter persists settings. Implemented by the database.
type SettingsSetter interface {
	SetSetting(key, value string) error
}

// ReadFile parses a TOML settings file into flat dotted keys, e.g.
//
//	[trakt]
//	client_id = "abc"
//
// becomes "trakt.client_id" = "abc".
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	flat := make(map[string]string)
	if err := flatten("", tree, flat); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return flat, nil
}

// ApplyFile reads a TOML settings file and upserts every value into the settings store.
// Returns the keys that were written, sorted.
func ApplyFile(path string, store SettingsSetter) ([]string, error) {
	values, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := store.SetSetting(key, values[key]); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func flatten(prefix string, tree map[string]any, out map[string]string) error {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			if err := flatten(full, v, out); err != nil {
				return err
			}
		case string:
			out[full] = v
		case bool:
			out[full] = strconv.FormatBool(v)
		case int64:
			out[full] = strconv.FormatInt(v, 10)
		case float64:
			out[full] = strconv.FormatFloat(v, 'f', -1, 64)
		case []any:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("key %s: %w", full, err)
			}
			out[full] = string(data)
		default:
			out[full] = fmt.Sprint(v)
		}
	}
	return nil
}
