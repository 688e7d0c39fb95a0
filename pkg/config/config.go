package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".gdbstub"
	configFile string = "config.yml"
)

// MemoryRegion describes one region of the simulated board's address space.
type MemoryRegion struct {
	// Name is only used for logging.
	Name  string `yaml:"name"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
	// ReadOnly regions reject writes coming from the host.
	ReadOnly bool `yaml:"readonly"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Transport selects how the host debugger reaches the stub: tcp,
	// serial, pty or websocket.
	Transport string `yaml:"transport"`
	// Listen is the listen address for the tcp and websocket transports.
	Listen string `yaml:"listen"`
	// SerialDevice is the tty used by the serial transport.
	SerialDevice string `yaml:"serial-device"`
	// BaudRate of the serial line.
	BaudRate int `yaml:"baud-rate"`

	// Arch is the register layout presented to the host: amd64, 386 or
	// arm64.
	Arch string `yaml:"arch"`

	// DelayedAck piggy-backs the acknowledgement of a received command on
	// the next reply instead of sending it immediately.
	DelayedAck *bool `yaml:"delayed-ack,omitempty"`
	// PacketSize is the size of the packet buffers advertised in
	// qSupported.
	PacketSize int `yaml:"packet-size,omitempty"`
	// StopReplyRegisters makes the stub answer with T packets carrying the
	// program counter and stack pointer instead of plain S packets.
	StopReplyRegisters bool `yaml:"stop-reply-registers"`

	// Memory is the memory map of the simulated board.
	Memory []MemoryRegion `yaml:"memory"`
	// Threads is the number of threads the simulated kernel runs, zero
	// disables the thread extension.
	Threads int `yaml:"threads"`

	// Script is the path of a starlark file providing fallback handlers for
	// unrecognized packets and queries.
	Script string `yaml:"script"`

	// MetricsListen, if set, is the address of the prometheus /metrics
	// endpoint.
	MetricsListen string `yaml:"metrics-listen"`
}

// UseDelayedAck reports whether delayed acknowledgement is enabled, it
// defaults to true.
func (c *Config) UseDelayedAck() bool {
	if c.DelayedAck == nil {
		return true
	}
	return *c.DelayedAck
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); err != nil {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
		f.Close()
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads and decodes the configuration file at fullConfigFile.
func LoadConfigFile(fullConfigFile string) (*Config, error) {
	f, err := os.Open(fullConfigFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigFile(fullConfigFile, conf)
}

// SaveConfigFile marshals conf into the file at fullConfigFile.
func SaveConfigFile(fullConfigFile string, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for gdbstub.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# How the host debugger connects: tcp, serial, pty or websocket.
# transport: tcp
# listen: 127.0.0.1:2345

# serial-device: /dev/ttyUSB0
# baud-rate: 115200

# Register layout presented to the host: amd64, 386 or arm64.
# arch: arm64

# Set to false to acknowledge every command as soon as it is received.
# delayed-ack: true

# Reply to '?' and report stops with T packets carrying the PC and SP.
# stop-reply-registers: false

# Memory map of the simulated board.
memory:
  # - {name: flash, start: 0x0, size: 0x10000, readonly: true}
  # - {name: ram, start: 0x20000000, size: 0x10000}

# Number of threads run by the simulated kernel, 0 disables thread support.
# threads: 0

# Starlark file defining handle_packet(pkt) and handle_query(pkt).
# script: ""

# Address of the prometheus metrics endpoint.
# metrics-listen: 127.0.0.1:9090
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
