package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	f, err := createDefaultConfig(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Empty(t, c.Memory)
	require.Equal(t, "", c.Transport)
	require.True(t, c.UseDelayedAck())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	const data = `transport: serial
serial-device: /dev/ttyS1
baud-rate: 115200
arch: arm64
delayed-ack: false
threads: 3
memory:
  - {name: flash, start: 0x0, size: 0x10000, readonly: true}
  - {name: ram, start: 0x20000000, size: 0x8000}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "serial", c.Transport)
	require.Equal(t, "/dev/ttyS1", c.SerialDevice)
	require.Equal(t, 115200, c.BaudRate)
	require.False(t, c.UseDelayedAck())
	require.Equal(t, 3, c.Threads)
	require.Len(t, c.Memory, 2)
	require.Equal(t, MemoryRegion{Name: "ram", Start: 0x20000000, Size: 0x8000}, c.Memory[1])
	require.True(t, c.Memory[0].ReadOnly)
}

func TestSaveConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	ack := false
	in := &Config{Transport: "tcp", Listen: "127.0.0.1:2345", Arch: "amd64", DelayedAck: &ack, PacketSize: 0x1000,
		Memory: []MemoryRegion{{Name: "ram", Start: 0x1000, Size: 0x100}}}
	require.NoError(t, SaveConfigFile(path, in))

	out, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
