package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jgwoolley/Grab-VS-Protobuff/protomodel"
	"github.com/jgwoolley/Grab-VS-Protobuff/txtpack"
)

// Config holds the generation settings. Both file formats use the same keys:
//
//	main_library: "VintagestoryLib.dll"
//	dependency_dir: "Lib"
//	package: "vintagestory"
//	syntax: proto3
//	search_path: "/opt/vintagestory"
type Config struct {
	MainLibrary       string   `yaml:"main_library"`
	DependencyDir     string   `yaml:"dependency_dir"`
	Package           string   `yaml:"package"`
	Syntax            string   `yaml:"syntax"`
	SearchPath        []string `yaml:"search_path"`
	ContractAttribute string   `yaml:"contract_attribute"`
	Debug             bool     `yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{
		MainLibrary:       "VintagestoryLib.dll",
		DependencyDir:     "Lib",
		Package:           "vintagestory",
		Syntax:            string(protomodel.Proto3),
		ContractAttribute: protomodel.ContractAttribute,
	}
}

// LoadConfig reads a config file over the defaults. The format follows the
// extension: .yaml and .yml are YAML, anything else is txtpack.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = txtpack.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, errors.Wrap(err, path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch protomodel.Syntax(c.Syntax) {
	case protomodel.Proto2, protomodel.Proto3:
	default:
		return errors.Errorf("unsupported syntax %q", c.Syntax)
	}
	if c.MainLibrary == "" {
		return errors.New("main_library is empty")
	}
	return nil
}

func (c Config) SchemaOptions() protomodel.SchemaOptions {
	return protomodel.SchemaOptions{
		Syntax:  protomodel.Syntax(c.Syntax),
		Package: c.Package,
	}
}
