package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/perch-ai/perch"
	"github.com/perch-ai/perch/config"
	"github.com/perch-ai/perch/native"
	"github.com/perch-ai/perch/registry"
	"github.com/perch-ai/perch/safety"
	"github.com/perch-ai/perch/script"
	"github.com/perch-ai/perch/wasm"
)

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "Manage Perch extensions",
	Long: `Inspect and exercise extensions without running the full agent.

Extensions are native libraries, WebAssembly modules, or Lua scripts
found in the configured extension paths.`,
	Example: `  # List discoverable extensions
  perch extensions list

  # Show an extension's declared metadata
  perch extensions info ./extensions/thermo.wasm

  # Run a command against an extension
  perch extensions exec ./extensions/thermo.wasm read_temperature '{"zone": 2}'`,
}

var extensionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discoverable extensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listExtensions()
	},
}

var extensionsInfoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show an extension's declared metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showExtensionInfo(args[0])
	},
}

var extensionsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a file is a loadable extension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateExtension(args[0])
	},
}

var extensionsExecCmd = &cobra.Command{
	Use:   "exec <file> <command> [args-json]",
	Short: "Load an extension and run one command",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		argsJSON := "{}"
		if len(args) == 3 {
			argsJSON = args[2]
		}
		return execExtensionCommand(args[0], args[1], argsJSON)
	},
}

func init() {
	rootCmd.AddCommand(extensionsCmd)
	extensionsCmd.AddCommand(extensionsListCmd)
	extensionsCmd.AddCommand(extensionsInfoCmd)
	extensionsCmd.AddCommand(extensionsValidateCmd)
	extensionsCmd.AddCommand(extensionsExecCmd)
}

// metadataOnly resolves descriptors without crossing any execution
// boundary, so listing a directory of extensions stays cheap.
func metadataOnly(path string) (perch.Metadata, error) {
	switch filepath.Ext(path) {
	case ".wasm":
		loader := wasm.NewLoader(nil)
		meta, _, _, err := loader.LoadMetadata(path)
		return meta, err
	case ".lua":
		return script.NewLoader().LoadMetadata(path)
	default:
		return native.NewLoader().LoadMetadata(path)
	}
}

func listExtensions() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	type row struct {
		meta perch.Metadata
		kind string
	}
	var rows []row

	for _, root := range cfg.ExtensionPaths {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			var kind string
			switch filepath.Ext(path) {
			case ".wasm":
				kind = string(perch.KindWASM)
			case ".lua":
				kind = string(perch.KindScript)
			case native.LibraryExt():
				kind = string(perch.KindNative)
			default:
				return nil
			}
			meta, err := metadataOnly(path)
			if err != nil {
				if verbose {
					fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", path, err)
				}
				return nil
			}
			rows = append(rows, row{meta: meta, kind: kind})
			return nil
		})
	}

	if len(rows) == 0 {
		fmt.Println("No extensions found.")
		fmt.Printf("\nSearched: %v\n", cfg.ExtensionPaths)
		return nil
	}

	if output == "json" {
		metas := make([]perch.Metadata, len(rows))
		for i, r := range rows {
			metas[i] = r.meta
		}
		fmt.Println(oj.JSON(metas, 2))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tKIND\tVERSION\tNAME\n")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.meta.ID, r.kind, r.meta.Version, r.meta.Name)
	}
	return w.Flush()
}

func showExtensionInfo(path string) error {
	meta, err := metadataOnly(path)
	if err != nil {
		return err
	}

	if output == "json" {
		fmt.Println(oj.JSON(meta, 2))
		return nil
	}

	fmt.Printf("ID:      %s\n", meta.ID)
	fmt.Printf("Name:    %s\n", meta.Name)
	fmt.Printf("Version: %s\n", meta.Version)
	if meta.Description != "" {
		fmt.Printf("About:   %s\n", meta.Description)
	}
	if meta.Author != "" {
		fmt.Printf("Author:  %s\n", meta.Author)
	}
	fmt.Printf("Source:  %s\n", meta.Source)
	return nil
}

func validateExtension(path string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, cleanup, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := reg.Load(ctx, path)
	if err != nil {
		return err
	}
	defer reg.Unregister(ctx, id)

	fmt.Printf("OK: %s loads as extension %q\n", path, id)
	return nil
}

func execExtensionCommand(path, command, argsJSON string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parsed, err := oj.ParseString(argsJSON)
	if err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}
	args, ok := parsed.(map[string]interface{})
	if !ok {
		return fmt.Errorf("arguments must be a JSON object, got %T", parsed)
	}

	reg, cleanup, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := reg.Load(ctx, path)
	if err != nil {
		return err
	}
	if err := reg.Initialize(ctx, id, nil); err != nil {
		return err
	}
	if err := reg.Start(ctx, id); err != nil {
		return err
	}
	defer reg.Unregister(ctx, id)

	raw, err := reg.ExecuteCommand(ctx, id, command, args)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		fmt.Println("(no result)")
		return nil
	}

	result, err := oj.Parse(raw)
	if err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(oj.JSON(result, 2))
	return nil
}

// buildRegistry wires the sandbox, loaders, and safety manager the
// same way the agent does at startup.
func buildRegistry(ctx context.Context, cfg config.Config) (*registry.Registry, func(), error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	sandbox, err := wasm.NewSandbox(ctx, cfg.Sandbox)
	if err != nil {
		return nil, nil, err
	}

	manager := safety.NewManager(
		safety.WithLogger(log),
		safety.WithBreakerConfig(cfg.BreakerConfig()),
	)
	reg := registry.New(
		registry.WithLogger(log),
		registry.WithSafetyManager(manager),
		registry.WithLoader(perch.KindWASM, wasm.NewLoader(sandbox, wasm.WithLogger(log))),
		registry.WithLoader(perch.KindNative, native.NewLoader(native.WithLogger(log))),
		registry.WithLoader(perch.KindScript, script.NewLoader(script.WithLogger(log))),
	)

	// Cleanup runs after the run context is canceled, so it gets its
	// own deadline.
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = reg.ShutdownAll(shutdownCtx)
		_ = sandbox.Close(shutdownCtx)
		_ = log.Sync()
	}
	return reg, cleanup, nil
}
