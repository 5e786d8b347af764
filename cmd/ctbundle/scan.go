package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctbundle/internal/bundle"
	"ctbundle/internal/plugin"
	"ctbundle/internal/registry"
)

type scanOutput struct {
	Components *registry.Registry  `json:"components"`
	Files      map[string][]string `json:"files"`
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Print the components mounted by the tests as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			b, err := bundle.NewBuilder(cfg, dir)
			if err != nil {
				return err
			}
			reg, byFile, err := b.Scan(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(scanOutput{Components: reg, Files: byFile}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the bundle output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			p := plugin.New()
			p.Setup(cfg, dir)
			if err := p.ClearCache(cmd.Context()); err != nil {
				return err
			}
			okf(os.Stdout, "Cache cleared.\n")
			return nil
		},
	}
}
