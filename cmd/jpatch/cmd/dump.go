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
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/internal/colors"
	"github.com/blacktop/jpatch/internal/utils"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringP("method", "m", "", "Only dump methods with this name")
	dumpCmd.Flags().Bool("hash", false, "Print the opcode shape hash of every method")
	viper.BindPFlag("dump.method", dumpCmd.Flags().Lookup("method"))
	viper.BindPFlag("dump.hash", dumpCmd.Flags().Lookup("hash"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:     "dump <JAR|DIR> <CLASS>",
	Aliases: []string{"dis"},
	Short:   "Disassemble a class",
	Example: heredoc.Doc(`
		# Disassemble one method
		❯ jpatch dump app.jar com.example.Foo --method bar
		# Print the hashes to use in a signature's 'hash' matcher
		❯ jpatch dump --hash app.jar com/example/Foo`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := loadCorpus(cmd.Context(), args[:1])
		if err != nil {
			return fmt.Errorf("failed to index: %w", err)
		}
		name := utils.ClassName(args[1])
		rec, ok := ix.Lookup(name)
		if !ok {
			return fmt.Errorf("class %s not found in %s", name, args[0])
		}

		header := colors.Class().Sprint(rec.Name)
		if rec.Super != "" {
			header += " extends " + rec.Super
		}
		if len(rec.Interfaces) > 0 {
			header += " implements " + strings.Join(rec.Interfaces, ", ")
		}
		fmt.Println(header)
		if viper.GetString("dump.method") == "" {
			for _, f := range rec.Fields {
				fmt.Printf("%s%s %s\n", utils.Pad(2), colors.Faint().Sprint("field"), f)
			}
		}

		for _, m := range rec.Methods {
			if want := viper.GetString("dump.method"); want != "" && m.Name != want {
				continue
			}
			line := utils.Pad(2) + colors.Method().Sprint(m.Name+m.Descriptor)
			if m.IsStatic() {
				line += colors.Faint().Sprint(" static")
			}
			if viper.GetBool("dump.hash") && m.HasCode() {
				line += colors.Faint().Sprintf(" hash=%#08x", m.OpcodeHash())
			}
			fmt.Println(line)
			if !m.HasCode() {
				continue
			}
			d, err := disassemble(m)
			if err != nil {
				return err
			}
			fmt.Print(d)
		}
		return nil
	},
}
