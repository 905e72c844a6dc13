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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/internal/colors"
	"github.com/blacktop/jpatch/pkg/table"
)

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolP("warnings", "w", false, "List entries that could not be indexed")
	viper.BindPFlag("index.warnings", indexCmd.Flags().Lookup("warnings"))
}

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:   "index <JAR|DIR>...",
	Short: "Index classes and print corpus statistics",
	Example: heredoc.Doc(`
		# Index a jar
		❯ jpatch index app.jar
		# Index a jar and its libraries, listing malformed entries
		❯ jpatch index --warnings app.jar libs/`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := loadCorpus(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("failed to index: %w", err)
		}

		stats := ix.Stats()
		bold := colors.Bold().SprintFunc()
		fmt.Printf("%s %s\n", bold("Classes: "), humanize.Comma(int64(stats.Classes)))
		fmt.Printf("%s %s\n", bold("Methods: "), humanize.Comma(int64(stats.Methods)))
		fmt.Printf("%s %s\n", bold("Fields:  "), humanize.Comma(int64(stats.Fields)))
		fmt.Printf("%s %s\n", bold("Size:    "), humanize.Bytes(uint64(stats.Bytes)))
		fmt.Printf("%s %d\n", bold("Warnings:"), stats.Warnings)

		if viper.GetBool("index.warnings") && stats.Warnings > 0 {
			tb := table.New(colors.Enabled(), "ENTRY", "ERROR")
			for _, w := range ix.Warnings() {
				tb.AppendRow(w.Source, w.Err.Error())
			}
			fmt.Println(tb)
		}
		return nil
	},
}
