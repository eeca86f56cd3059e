package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/gmh5225/ropfuscator/internal/autopsy"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/logging"
)

// maxInsnLen is the longest legal x86 instruction.
const maxInsnLen = 15

// HarvestConfig configures gadget harvesting. It can be loaded from a JSON
// file with --config; flags given on the command line take precedence.
type HarvestConfig struct {
	Mode    int    `json:"mode,omitempty" jsonschema:"title=Decoder Mode,description=Decoder width in bits; 0 derives it from the ELF class,enum=0,enum=16,enum=32,enum=64"`
	Depth   int    `json:"depth,omitempty" jsonschema:"title=Depth,description=Bytes examined before each return opcode,minimum=1,maximum=15,default=4"`
	MaxSize int64  `json:"maxSize,omitempty" jsonschema:"title=Maximum Size,description=Largest binary accepted in bytes; 0 disables the cap,minimum=0"`
	Seed    uint64 `json:"seed,omitempty" jsonschema:"title=Seed,description=Seed for random symbol selection; 0 seeds from the clock"`
	Debug   bool   `json:"debug,omitempty" jsonschema:"title=Debug,description=Enable debug logging"`
}

// DefaultConfig is the configuration used when nothing is given.
func DefaultConfig() HarvestConfig {
	return HarvestConfig{
		Depth:   gadget.MaxDepth,
		MaxSize: 1 << 30,
	}
}

// Validate rejects out-of-range settings.
func (c HarvestConfig) Validate() error {
	switch c.Mode {
	case 0, 16, 32, 64:
	default:
		return fmt.Errorf("invalid mode %d: want 16, 32 or 64", c.Mode)
	}
	// A zero-byte window holds only the return, which is never a gadget.
	if c.Depth < 1 || c.Depth > maxInsnLen {
		return fmt.Errorf("invalid depth %d: want 1..%d", c.Depth, maxInsnLen)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("invalid max size %d", c.MaxSize)
	}
	return nil
}

// Autopsy converts the configuration for the index.
func (c HarvestConfig) Autopsy(lg *log.Logger) autopsy.Config {
	return autopsy.Config{
		Mode:        c.Mode,
		MaxDepth:    c.Depth,
		MaxFileSize: c.MaxSize,
		Seed:        c.Seed,
		Logger:      lg,
	}
}

func readConfigFile(path string) (HarvestConfig, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// loadConfig merges the --config file, if any, with explicitly set flags.
func loadConfig(cmd *cobra.Command) (HarvestConfig, error) {
	cfg := DefaultConfig()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = readConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetInt("mode")
	}
	if flags.Changed("depth") {
		cfg.Depth, _ = flags.GetInt("depth")
	}
	if flags.Changed("max-size") {
		cfg.MaxSize, _ = flags.GetInt64("max-size")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	return cfg, cfg.Validate()
}

// harvest dissects path and returns the index with a cleanup closing it and
// the logger.
func harvest(cmd *cobra.Command, path string) (*autopsy.Autopsy, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	lg := logging.NewLogger()
	if cfg.Debug {
		lg.SetLevel(log.DebugLevel)
	}

	idx, err := autopsy.Open(path, cfg.Autopsy(lg.Logger))
	if err != nil {
		lg.Close()
		return nil, nil, err
	}
	return idx, func() {
		idx.Close()
		lg.Close()
	}, nil
}
