package couch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqNumber(t *testing.T) {
	tests := []struct {
		seq  Seq
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"7-g1AAAABteJzLYWBgYMpgTmHgz8tPSTV0MDQy", 7},
		{"now", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.seq.Number(), string(tt.seq))
	}
}

func TestSeqLess(t *testing.T) {
	assert.True(t, Seq("2").Less("10"))
	assert.False(t, Seq("10").Less("2"))
	assert.True(t, Seq("3-abc").Less("4-aaa"))
	assert.False(t, Seq("4-abc").Less("4-aaa"))
	assert.True(t, Seq("").IsZero())
	assert.True(t, SeqZero.IsZero())
	assert.False(t, Seq("1").IsZero())
}

func TestSeqJSON(t *testing.T) {
	t.Run("marshal", func(t *testing.T) {
		out, err := json.Marshal(Seq("12"))
		require.NoError(t, err)
		assert.Equal(t, `12`, string(out))

		out, err = json.Marshal(Seq("12-abc"))
		require.NoError(t, err)
		assert.Equal(t, `"12-abc"`, string(out))
	})

	t.Run("unmarshal", func(t *testing.T) {
		var v struct {
			A Seq `json:"a"`
			B Seq `json:"b"`
			C Seq `json:"c"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":12,"b":"3-xyz","c":null}`), &v))
		assert.Equal(t, Seq("12"), v.A)
		assert.Equal(t, Seq("3-xyz"), v.B)
		assert.Equal(t, Seq(""), v.C)
	})

	t.Run("invalid", func(t *testing.T) {
		var s Seq
		require.Error(t, json.Unmarshal([]byte(`{}`), &s))
	})
}
