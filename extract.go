package main

import (
	"log"

	"github.com/jhump/protoreflect/desc"
	"github.com/pkg/errors"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
	"github.com/jgwoolley/Grab-VS-Protobuff/protomodel"
)

// Extraction is the outcome of one run.
type Extraction struct {
	Schema string
	File   *desc.FileDescriptor
	// contract types found in the main library
	Contracts []string
}

// GenerateSchema returns the .proto text for the installation in baseDir.
// Failures are printed, the second value tells whether there is a result.
func GenerateSchema(baseDir string, cfg Config) (string, bool) {
	ext, ok := Extract(baseDir, cfg)
	if !ok {
		return "", false
	}
	return ext.Schema, true
}

// Extract is the error boundary of the tool: nothing below it reaches the caller
// as an error or a panic, both end up as an "Error:" line.
func Extract(baseDir string, cfg Config) (ret *Extraction, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			report(errors.Errorf("%v", r))
			ret, ok = nil, false
		}
	}()

	if baseDir == "" {
		report(errors.New("no installation directory, use --input"))
		return nil, false
	}

	ret, err := extract(baseDir, cfg)
	if err != nil {
		report(err)
		return nil, false
	}
	return ret, true
}

func report(err error) {
	log.Printf("Error: %v", err)
	if cause := errors.Cause(err); cause != err {
		log.Printf("Inner: %v", cause)
	}
}

func extract(baseDir string, cfg Config) (*Extraction, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	ctx, err := clr.NewContext(baseDir, cfg.DependencyDir)
	if err != nil {
		return nil, err
	}
	ctx.Debug = cfg.Debug
	if cfg.Debug {
		log.Printf("[debug] libraries: %v", ctx.Libraries())
	}

	path, ok := findFile(baseDir, cfg.MainLibrary)
	if !ok {
		return nil, errors.Errorf("%v not found in %v", cfg.MainLibrary, baseDir)
	}
	asm, err := ctx.LoadFrom(path)
	if err != nil {
		return nil, err
	}

	model := protomodel.New()
	if cfg.ContractAttribute != "" {
		model.ContractAttribute = cfg.ContractAttribute
	}

	ret := &Extraction{}
	for _, t := range asm.Types() {
		isContract, err := model.IsContract(t)
		if err != nil {
			return nil, errors.Wrap(err, t.FullName())
		}
		if !isContract {
			continue
		}
		if t.IsGenericDefinition() {
			log.Printf("[warn] %v is an open generic type, skipping", t.FullName())
			continue
		}
		err = model.Add(t, true)
		if err != nil {
			return nil, err
		}
		ret.Contracts = append(ret.Contracts, t.FullName())
	}
	if cfg.Debug {
		log.Printf("[debug] %v contracts, %v types in the schema", len(ret.Contracts), len(model.Types()))
	}

	ret.File, err = model.FileDescriptor(cfg.SchemaOptions())
	if err != nil {
		return nil, err
	}
	ret.Schema, err = protomodel.Print(ret.File)
	if err != nil {
		return nil, errors.Wrap(err, "print schema")
	}
	return ret, nil
}
