package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFileRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DumpIR = true
	cfg.AllowedOpcodes = []string{"iload_0", "ireturn"}
	cfg.MaxCleanupNesting = 4
	cfg.Workers = 3
	cfg.CacheSize = 64

	data, err := MarshalConfig(cfg)
	require.NoError(t, err)
	require.Contains(t, string(data), "[Compiler]")

	path := filepath.Join(t.TempDir(), "jit.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := LoadConfig(write("unknown.toml", "[Compiler]\nTurbo = true\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Turbo")

	_, err = LoadConfig(write("badop.toml", "[Compiler]\nAllowedOpcodes = [\"fly\"]\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fly")

	_, err = LoadConfig(write("partial.toml", "[Compiler]\nWorkers = 2\n"))
	require.NoError(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Workers = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MaxCleanupNesting = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.CacheSize = -1
	require.Error(t, bad.Validate())
}

func TestConfigFingerprint(t *testing.T) {
	a, b := DefaultConfig(), DefaultConfig()
	a.AllowedOpcodes = []string{"ireturn", "iload_0"}
	b.AllowedOpcodes = []string{"iload_0", "ireturn"}
	require.Equal(t, a.fingerprint(), b.fingerprint())

	b.Workers++
	require.Equal(t, a.fingerprint(), b.fingerprint(), "pool size does not change output")

	b.ElideConstantGuards = !b.ElideConstantGuards
	require.NotEqual(t, a.fingerprint(), b.fingerprint())
}
