package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/jhump/protoreflect/desc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/prototext"
)

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	input         string
	output        string
	descriptorSet string
	config        string
	pkg           string
	syntax        string
	debug         bool
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "grabproto",
		Short:        "Grabs protobuf definitions from Vintage Story.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			return run(cmd.OutOrStdout(), opts, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.input, "input", "", "game installation directory (default: first known install location)")
	flags.StringVar(&opts.output, "output", "", "write the schema to this file instead of printing it, - prints")
	flags.StringVar(&opts.descriptorSet, "descriptor-set", "", "also write a FileDescriptorSet, text format for .txt and .textproto")
	flags.StringVar(&opts.config, "config", "", "config file, txtpack or .yaml")
	flags.StringVar(&opts.pkg, "package", "", "proto package (default vintagestory)")
	flags.StringVar(&opts.syntax, "syntax", "", "proto2 or proto3 (default proto3)")
	flags.BoolVar(&opts.debug, "debug", false, "print what is being loaded")
	return cmd
}

// resolve merges the config file, the flags and the install location lookup.
func (o *options) resolve(cmd *cobra.Command) (Config, error) {
	cfg := DefaultConfig()
	if o.config != "" {
		var err error
		cfg, err = LoadConfig(o.config)
		if err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("package") {
		cfg.Package = o.pkg
	}
	if flags.Changed("syntax") {
		cfg.Syntax = o.syntax
	}
	if o.debug {
		cfg.Debug = true
	}
	if !flags.Changed("input") {
		o.input = DefaultInstallDir(DefaultCandidates(cfg), cfg.MainLibrary)
	}
	if cfg.Debug {
		log.Printf("[debug] input: %q\n%v", o.input, dump(cfg))
	}
	return cfg, cfg.Validate()
}

func run(w io.Writer, opts options, cfg Config) error {
	ext, ok := Extract(opts.input, cfg)
	if !ok {
		return nil
	}

	err := writeOutput(w, opts.output, ext.Schema)
	if err != nil {
		report(err)
		return nil
	}
	if opts.descriptorSet != "" {
		err = writeDescriptorSet(opts.descriptorSet, ext.File)
		if err != nil {
			report(err)
		}
	}
	return nil
}

// writeOutput prints the schema or stores it and tells where.
func writeOutput(w io.Writer, output, schema string) error {
	if output == "" || output == "-" {
		_, err := io.WriteString(w, schema)
		return err
	}

	path, err := filepath.Abs(output)
	if err != nil {
		return err
	}
	err = os.WriteFile(path, []byte(schema), 0644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Wrote to: %v\n", path)
	return err
}

func writeDescriptorSet(path string, fd *desc.FileDescriptor) error {
	set := desc.ToFileDescriptorSet(fd)

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".textproto":
		data, err = prototext.MarshalOptions{Multiline: true}.Marshal(set)
	default:
		data, err = proto.Marshal(set)
	}
	if err != nil {
		return errors.Wrap(err, "encode descriptor set")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write descriptor set")
}
