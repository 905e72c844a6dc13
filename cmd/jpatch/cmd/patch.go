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
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/internal/colors"
	"github.com/blacktop/jpatch/internal/utils"
	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/engine"
)

func confirm(path string, overwrite bool) bool {
	if overwrite {
		return true
	}
	yes := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("You are about to overwrite %s. Continue?", filepath.Base(path)),
	}
	survey.AskOne(prompt, &yes)
	return yes
}

func init() {
	rootCmd.AddCommand(patchCmd)
	patchCmd.Flags().StringP("output", "o", "", "Patched jar path (default is <JAR>.patched.jar)")
	patchCmd.Flags().BoolP("overwrite", "f", false, "Overwrite the output without asking")
	patchCmd.Flags().BoolP("diff", "d", false, "Show a disassembly diff of every patched method")
	viper.BindPFlag("patch.output", patchCmd.Flags().Lookup("output"))
	viper.BindPFlag("patch.overwrite", patchCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("patch.diff", patchCmd.Flags().Lookup("diff"))
}

// patchCmd represents the patch command
var patchCmd = &cobra.Command{
	Use:   "patch <JAR> [CLASSPATH...]",
	Short: "Apply signature edits to a jar",
	Example: heredoc.Doc(`
		# Patch a jar with the signatures in sigs/
		❯ jpatch patch -s sigs/ app.jar
		# Resolve against its libraries too and review the changes
		❯ jpatch patch -s sigs/ --diff -o out.jar app.jar libs/`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := filepath.Clean(args[0])
		out := viper.GetString("patch.output")
		if out == "" {
			out = strings.TrimSuffix(in, filepath.Ext(in)) + ".patched.jar"
		}
		if _, err := os.Stat(out); err == nil {
			if !confirm(out, viper.GetBool("patch.overwrite")) {
				return nil
			}
		}

		ix, err := loadCorpus(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("failed to index: %w", err)
		}
		e, err := newEngine(ix)
		if err != nil {
			return err
		}
		if err := e.Prepare(cmd.Context()); err != nil {
			return err
		}
		for _, fs := range e.Features() {
			if !fs.Enabled {
				log.WithField("feature", fs.Name).Warn("Feature disabled")
				utils.Indent(log.Warn, 2)(fs.Err.Error())
			}
		}

		total, err := entries(in)
		if err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(out), ".jpatch-*.jar")
		if err != nil {
			return err
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		p, bar := progress(total, "Patching")
		report, err := e.PatchJar(cmd.Context(), in, tmp.Name(), func(string) { bar.Increment() })
		if err != nil {
			bar.Abort(false)
			p.Wait()
			return err
		}
		p.Wait()
		if err := os.Rename(tmp.Name(), out); err != nil {
			return fmt.Errorf("failed to move patched jar into place: %w", err)
		}

		for name, err := range report.Failures {
			log.WithError(err).WithField("class", name).Error("Class left unmodified")
		}
		if viper.GetBool("patch.diff") {
			for _, c := range report.Changes {
				d, err := diffClass(c)
				if err != nil {
					return err
				}
				fmt.Println(d)
			}
		}
		log.WithFields(log.Fields{
			"patched": len(report.Changes),
			"failed":  len(report.Failures),
			"output":  out,
		}).Info("Patched jar")
		if len(report.Failures) > 0 && e.Strict() {
			return fmt.Errorf("%d classes failed to patch", len(report.Failures))
		}
		return nil
	},
}

func entries(path string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	return len(zr.File), nil
}

// diffClass renders the methods whose code changed between the two
// versions of a class.
func diffClass(c engine.Change) (string, error) {
	before, err := corpus.New().Add(c.Class, c.Before)
	if err != nil {
		return "", err
	}
	after, err := corpus.New().Add(c.Class, c.After)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(colors.Class().Sprint(c.Class) + "\n")
	for _, m := range after.Methods {
		old := before.Method(m.Name, m.Descriptor)
		if old == nil || !m.HasCode() {
			continue
		}
		a, err := disassemble(old)
		if err != nil {
			return "", err
		}
		b, err := disassemble(m)
		if err != nil {
			return "", err
		}
		if d := utils.Diff(a, b, colors.Enabled()); d != "" {
			sb.WriteString(utils.Pad(2) + colors.Method().Sprint(m.Name+m.Descriptor) + "\n")
			sb.WriteString(d)
		}
	}
	return sb.String(), nil
}

func disassemble(m *corpus.MethodRecord) (string, error) {
	body, err := m.Body()
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", m, err)
	}
	return bytecode.Disassemble(body), nil
}
