package batch

import (
	"fmt"
	"strings"
)

// Status values of a single item.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome for one item of a batch.
type Result[T any] struct {
	Item   string `json:"item"`
	Status string `json:"status"`
	Value  *T     `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary aggregates the results of a batch.
type Summary[T any] struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Results    []Result[T] `json:"results"`
}

// ParseStringOrArray accepts a tool argument that is either one string or an
// array of strings. Entries are trimmed; empty entries are rejected.
func ParseStringOrArray(param any, paramName string) ([]string, error) {
	if param == nil {
		return nil, fmt.Errorf("%s is required", paramName)
	}

	switch v := param.(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("%s cannot be empty", paramName)
		}
		return []string{v}, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return ParseStringOrArray(items, paramName)
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%s cannot be empty", paramName)
		}
		out := make([]string, 0, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string", paramName, i)
			}
			if str = strings.TrimSpace(str); str == "" {
				return nil, fmt.Errorf("%s[%d] cannot be empty", paramName, i)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings", paramName)
	}
}

// Process runs fn for every item. A failing item does not stop the batch.
func Process[T any](items []string, fn func(item string) (T, error)) Summary[T] {
	s := Summary[T]{
		Total:   len(items),
		Results: make([]Result[T], 0, len(items)),
	}
	for _, item := range items {
		v, err := fn(item)
		if err != nil {
			s.Failed++
			s.Results = append(s.Results, Result[T]{Item: item, Status: StatusError, Error: err.Error()})
			continue
		}
		s.Successful++
		s.Results = append(s.Results, Result[T]{Item: item, Status: StatusSuccess, Value: &v})
	}
	return s
}
