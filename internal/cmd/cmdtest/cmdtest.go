// Package cmdtest builds commands wired to an in-memory filesystem and a
// mock UI for tests.
package cmdtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/afero"

	"github.com/jrepp/corduroy/internal/cmd/base"
)

// ConfigPath is where New writes the configuration file.
const ConfigPath = "/etc/corduroy/corduroy.hcl"

// Env is a command under test.
type Env struct {
	Command *base.Command
	UI      *cli.MockUi
	FS      afero.Fs
}

// New returns a command whose configuration points at serverURL. extra is
// appended to the configuration file.
func New(t *testing.T, serverURL, extra string) *Env {
	t.Helper()

	fs := afero.NewMemMapFs()
	cfg := fmt.Sprintf(`
couchdb {
  url             = %q
  retry_delay     = "1ms"
  uuid_batch_size = 10
}
%s`, serverURL, extra)
	if err := afero.WriteFile(fs, ConfigPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	ui := cli.NewMockUi()
	return &Env{
		Command: &base.Command{
			Log:   hclog.NewNullLogger(),
			UI:    ui,
			FS:    fs,
			Stdin: strings.NewReader(""),
		},
		UI: ui,
		FS: fs,
	}
}

// Args prefixes args with the -config flag.
func (e *Env) Args(args ...string) []string {
	return append([]string{"-config=" + ConfigPath}, args...)
}

// Stdin sets what the command reads as standard input.
func (e *Env) Stdin(s string) {
	e.Command.Stdin = strings.NewReader(s)
}

// Output returns everything written to the UI's output.
func (e *Env) Output() string {
	return e.UI.OutputWriter.String()
}

// Errors returns everything written to the UI's error output.
func (e *Env) Errors() string {
	return e.UI.ErrorWriter.String()
}
