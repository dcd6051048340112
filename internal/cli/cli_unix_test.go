//go:build unix

package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-attach/internal/materialize"
)

// writeAgent creates a fake agent payload that records its arguments and a
// copy of the configuration file it was handed.
func writeAgent(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "agent.sh")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > \"" + filepath.Join(dir, "args") + "\"\n" +
		"cfg=\"${2#--agent-args=c=}\"\n" +
		"cp \"$cfg\" \"" + filepath.Join(dir, "seen.properties") + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestAttach_ExternalProcessEndToEnd(t *testing.T) {
	dir := isolate(t)
	agent := writeAgent(t, dir)
	cfgDir := filepath.Join(dir, "cfg")
	require.NoError(t, os.Mkdir(cfgDir, 0o700))
	t.Setenv("CORAL_ATTACH_CONFIG_DIR", cfgDir)

	external := filepath.Join(dir, "external.properties")
	require.NoError(t, os.WriteFile(external, []byte("service_name=from-file\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attach.yaml"),
		[]byte("attach:\n  properties:\n    server_url: http://apm:8200\n    service_name: from-yaml\n"), 0o600))

	pid := strconv.Itoa(os.Getpid())
	_, _, err := run(t, "attach",
		"--pid", pid,
		"--payload", agent,
		"--set", "service_name=from-flag",
		"--set", "log_level=debug",
		"--config-file", external,
	)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, args, 2)
	assert.Equal(t, "--attach-pid="+pid, args[0])

	cfgPath := strings.TrimPrefix(args[1], "--agent-args=c=")
	assert.Equal(t, cfgDir, filepath.Dir(cfgPath))
	assert.NoFileExists(t, cfgPath, "the configuration file is removed after the attach")

	seen, err := materialize.Read(filepath.Join(dir, "seen.properties"))
	require.NoError(t, err)
	assert.Equal(t, materialize.Map{
		materialize.ExternalConfigKey: external,
		"server_url":                  "http://apm:8200",
		"service_name":                "from-file",
		"log_level":                   "debug",
	}, seen)
}

func TestAttach_RawArgs(t *testing.T) {
	dir := isolate(t)
	agent := writeAgent(t, dir)

	pid := strconv.Itoa(os.Getpid())
	// The fake agent fails to copy a non-file argument, so only check the
	// arguments it received.
	_, _, _ = run(t, "attach", "--pid", pid, "--payload", agent, "--raw-args", "server_url=http://apm:8200")

	data, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Equal(t, "--attach-pid="+pid+"\n--agent-args=server_url=http://apm:8200\n", string(data))
}
