package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrUnsupportedType is returned for values outside the JSON data model.
var ErrUnsupportedType = errors.New("sanitize: unsupported value type")

// FieldError locates a rejected string inside a structured value.
type FieldError struct {
	// Path is a JSON path such as $.client.notes or $.lines[2].label.
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// SanitizeValue walks a decoded JSON value and sanitizes its strings. With
// fields set, only strings whose nearest enclosing key is listed are
// touched; otherwise every string is. The input is not modified.
func (s *XSS) SanitizeValue(v any, fields ...string) (any, error) {
	var only map[string]struct{}
	if len(fields) > 0 {
		only = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			only[f] = struct{}{}
		}
	}
	return s.walk(v, "", "$", only)
}

func (s *XSS) walk(v any, key, path string, only map[string]struct{}) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, json.Number, int, int64:
		return val, nil
	case string:
		if only != nil {
			if _, ok := only[key]; !ok {
				return val, nil
			}
		}
		clean, err := s.Sanitize(val)
		if err != nil {
			return nil, &FieldError{Path: path, Err: err}
		}
		return clean, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := s.walk(item, key, path+"["+strconv.Itoa(i)+"]", only)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case map[string]any:
		// sorted so the reported path is deterministic
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			clean, err := s.walk(val[k], k, path+"."+k, only)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	default:
		return nil, &FieldError{Path: path, Err: fmt.Errorf("%w: %T", ErrUnsupportedType, v)}
	}
}
