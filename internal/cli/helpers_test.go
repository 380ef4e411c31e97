package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a JSON config file into a temp dir and returns its path
func writeConfig(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nebula.json")
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// execute runs the root command with args and returns its combined output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
		configInitForce = false
		cmd.SetArgs(nil)
		resetFlags(cmd)
	})
	err := cmd.Execute()
	return output.String(), err
}

// resetFlags clears boolean flags that cobra keeps between executions
func resetFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}
