package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/corduroy/internal/cmd/cmdtest"
	"github.com/jrepp/corduroy/internal/version"
	"github.com/jrepp/corduroy/pkg/couch/couchtest"
)

func TestVersionCommand(t *testing.T) {
	env := cmdtest.New(t, "http://127.0.0.1:1", "")
	code := (&Command{Command: env.Command}).Run(nil)
	require.Equal(t, 0, code)
	assert.Equal(t, version.Version, strings.TrimSpace(env.Output()))
}

func TestVersionCommandServer(t *testing.T) {
	srv := couchtest.NewServer()
	t.Cleanup(srv.Close)

	env := cmdtest.New(t, srv.URL(), "")
	code := (&Command{Command: env.Command}).Run(env.Args("-server"))
	require.Equal(t, 0, code, env.Errors())

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(env.Output()), &out))
	assert.Equal(t, version.Version, out["client"])
	assert.Equal(t, "3.3.3", out["server"])
}
