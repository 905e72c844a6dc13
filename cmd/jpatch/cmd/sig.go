/*
Copyright © 2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/internal/colors"
	"github.com/blacktop/jpatch/internal/config"
	"github.com/blacktop/jpatch/pkg/signature"
	"github.com/blacktop/jpatch/pkg/table"
)

func init() {
	rootCmd.AddCommand(sigCmd)
	sigCmd.AddCommand(sigSchemaCmd)
	sigCmd.AddCommand(sigCheckCmd)

	sigSchemaCmd.Flags().StringP("output", "o", "-", "Where to save the JSON schema")
	viper.BindPFlag("sig.schema.output", sigSchemaCmd.Flags().Lookup("output"))
}

// sigCmd represents the sig command
var sigCmd = &cobra.Command{
	Use:     "sig",
	Aliases: []string{"signature", "signatures"},
	Short:   "Work with signature files",
	Args:    cobra.NoArgs,
}

var sigSchemaCmd = &cobra.Command{
	Use:     "schema",
	Aliases: []string{"jsonschema"},
	Short:   "Output the JSON schema of signature files",
	Example: heredoc.Doc(`
		# Point your editor's yaml language server at the schema
		❯ jpatch sig schema -o ~/.config/jpatch/signatures.schema.json`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bts, err := json.MarshalIndent(signature.Schema(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to create jsonschema: %w", err)
		}
		out := viper.GetString("sig.schema.output")
		if out == "-" {
			fmt.Println(string(bts))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("failed to write jsonschema file: %w", err)
		}
		if err := os.WriteFile(out, bts, 0o644); err != nil {
			return fmt.Errorf("failed to write jsonschema file: %w", err)
		}
		log.WithField("path", out).Info("Wrote signature schema")
		return nil
	},
}

var sigCheckCmd = &cobra.Command{
	Use:   "check [FILE|DIR]...",
	Short: "Validate signature files",
	Long: heredoc.Doc(`
		Decode every signature file, rejecting unknown keys and malformed
		edits, and list its features. With --target-version the supported
		column shows whether the file would be applied.`),
	Example: heredoc.Doc(`
		# Check the configured signature directory
		❯ jpatch sig check

		# Check one file against a target version
		❯ jpatch sig check --target-version 1.20.4 app.yaml`),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			conf, err := config.LoadConfig(nil)
			if err != nil {
				return err
			}
			args = []string{conf.Signatures}
		}
		version := viper.GetString("target-version")

		tbl := table.New(colors.Enabled(), "FILE", "TARGET", "VERSIONS", "FEATURES", "SUPPORTED")
		tbl.SetAlignment(3, lipgloss.Right)
		for _, arg := range args {
			files, err := sigFiles(arg)
			if err != nil {
				return err
			}
			for _, path := range files {
				sig, err := signature.Load(path)
				if err != nil {
					return err
				}
				supported := "-"
				if version != "" {
					ok, err := signature.CheckVersion(sig, version)
					if err != nil {
						return err
					}
					supported = strconv.FormatBool(ok)
				}
				tbl.AppendRow(path, sig.Target, versionRange(sig.Version), strconv.Itoa(len(sig.Features)), supported)
			}
		}
		if tbl.Len() == 0 {
			return fmt.Errorf("no signature files found in %v", args)
		}
		fmt.Println(tbl)
		return nil
	},
}

// sigFiles expands a directory into the signature files under it.
func sigFiles(path string) ([]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml", ".json":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func versionRange(v signature.Version) string {
	if v.Min == "" && v.Max == "" {
		return "any"
	}
	lo, hi := v.Min, v.Max
	if lo == "" {
		lo = "*"
	}
	if hi == "" {
		hi = "*"
	}
	return lo + " - " + hi
}
