package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringOrArray(t *testing.T) {
	tests := []struct {
		name        string
		input       any
		want        []string
		errContains string
	}{
		{
			name:  "single string",
			input: " list_records ",
			want:  []string{"list_records"},
		},
		{
			name:  "array of strings",
			input: []any{"list_records", "create_record"},
			want:  []string{"list_records", "create_record"},
		},
		{
			name:  "typed string slice",
			input: []string{"whoami"},
			want:  []string{"whoami"},
		},
		{
			name:        "nil",
			input:       nil,
			errContains: "operations is required",
		},
		{
			name:        "empty string",
			input:       "  ",
			errContains: "operations cannot be empty",
		},
		{
			name:        "empty array",
			input:       []any{},
			errContains: "operations cannot be empty",
		},
		{
			name:        "non-string element",
			input:       []any{"whoami", 7},
			errContains: "operations[1] must be a string",
		},
		{
			name:        "blank element",
			input:       []any{"whoami", ""},
			errContains: "operations[1] cannot be empty",
		},
		{
			name:        "wrong type",
			input:       42,
			errContains: "must be a string or array of strings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStringOrArray(tt.input, "operations")
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcess(t *testing.T) {
	summary := Process([]string{"a", "bad", "c"}, func(item string) (int, error) {
		if item == "bad" {
			return 0, errors.New("rejected")
		}
		return len(item), nil
	})

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)

	assert.Equal(t, StatusSuccess, summary.Results[0].Status)
	require.NotNil(t, summary.Results[0].Value)
	assert.Equal(t, 1, *summary.Results[0].Value)

	assert.Equal(t, "bad", summary.Results[1].Item)
	assert.Equal(t, StatusError, summary.Results[1].Status)
	assert.Equal(t, "rejected", summary.Results[1].Error)
	assert.Nil(t, summary.Results[1].Value)
}

func TestProcess_Empty(t *testing.T) {
	summary := Process(nil, func(string) (string, error) { return "", nil })
	assert.Equal(t, 0, summary.Total)
	assert.NotNil(t, summary.Results)
}
