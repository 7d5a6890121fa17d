package base

import (
	"flag"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	v := struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}{"orders", 3, []string{"a", "b"}}

	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{
			format: FormatJSON,
			want:   "{\n  \"name\": \"orders\",\n  \"count\": 3,\n  \"tags\": [\n    \"a\",\n    \"b\"\n  ]\n}",
		},
		{
			format: "",
			want:   "{\n  \"name\": \"orders\",\n  \"count\": 3,\n  \"tags\": [\n    \"a\",\n    \"b\"\n  ]\n}",
		},
		{
			format: FormatYAML,
			want:   "name: orders\ncount: 3\ntags:\n    - a\n    - b",
		},
		{
			format:  "xml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := Render(tt.format, v)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDocuments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantIDs  []string
		wantMany bool
		wantErr  bool
	}{
		{
			name:    "object",
			input:   `{"_id": "a", "n": 1}`,
			wantIDs: []string{"a"},
		},
		{
			name:     "array",
			input:    ` [{"_id": "a"}, {"_id": "b"}]`,
			wantIDs:  []string{"a", "b"},
			wantMany: true,
		},
		{
			name:     "empty array",
			input:    `[]`,
			wantIDs:  []string{},
			wantMany: true,
		},
		{
			name:    "invalid",
			input:   `{"_id":`,
			wantErr: true,
		},
		{
			name:    "array of scalars",
			input:   `[1, 2]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, many, err := ParseDocuments([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMany, many)
			ids := make([]string, len(docs))
			for i, d := range docs {
				ids[i] = d.ID()
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestFlagSetHelp(t *testing.T) {
	f := NewFlagSet(flag.NewFlagSet("test", flag.ContinueOnError))
	f.String("name", "default", "The name.")
	f.Bool("quiet", false, "Be quiet.")

	assert.Equal(t,
		"\n\nOptions:\n\n  -name=default\n      The name.\n\n  -quiet\n      Be quiet.",
		f.Help(),
	)

	// Parse errors are returned without printing usage.
	err := f.Parse([]string{"-unknown"})
	require.Error(t, err)
}

func TestReadInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/doc.json", []byte(`{"_id":"f"}`), 0o644))

	c := &Command{FS: fs, Stdin: strings.NewReader(`{"_id":"s"}`)}

	data, err := c.ReadInput("/doc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"f"}`, string(data))

	data, err = c.ReadInput("-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"s"}`, string(data))

	_, err = c.ReadInput("/missing.json")
	require.Error(t, err)
}
