package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore/filestore"
)

// isolateCLI points config discovery at an empty file and returns a file
// store root for the test.
func isolateCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "evalwatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: info\n"), 0o644))
	t.Setenv(config.EnvPrefix+"_CONFIG", cfgPath)
	return filepath.Join(dir, "jobs")
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func seedJob(t *testing.T, root string, job jobstate.Job) {
	t.Helper()
	require.NoError(t, filestore.New(root).PutJob(context.Background(), job))
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, exitCode(err), "unexpected exit code for %v", err)
}
