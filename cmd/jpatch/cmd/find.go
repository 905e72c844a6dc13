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
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/internal/colors"
	"github.com/blacktop/jpatch/pkg/table"
)

type findResult struct {
	Finder  string   `json:"finder"`
	State   string   `json:"state"`
	Value   string   `json:"value,omitempty"`
	Error   string   `json:"error,omitempty"`
	Depends []string `json:"depends,omitempty"`
}

type featureResult struct {
	Name     string       `json:"name"`
	Optional bool         `json:"optional,omitempty"`
	Enabled  bool         `json:"enabled"`
	Error    string       `json:"error,omitempty"`
	Finders  []findResult `json:"finders"`
}

func init() {
	rootCmd.AddCommand(findCmd)
	findCmd.Flags().Bool("json", false, "Output as JSON")
	viper.BindPFlag("find.json", findCmd.Flags().Lookup("json"))
}

// findCmd represents the find command
var findCmd = &cobra.Command{
	Use:   "find <JAR|DIR>...",
	Short: "Resolve signature finders against a corpus",
	Example: heredoc.Doc(`
		# Show what every signature resolves to
		❯ jpatch find -s sigs/ app.jar
		# Same as JSON
		❯ jpatch find -s sigs/ --json app.jar | jq .`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := loadCorpus(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("failed to index: %w", err)
		}
		e, err := newEngine(ix)
		if err != nil {
			return err
		}
		// a failed required feature is reported below, not fatal here
		if err := e.Prepare(cmd.Context()); err != nil {
			log.WithError(err).Debug("Prepare failed")
		}

		byFeature := make(map[string][]findResult)
		for _, f := range e.Registry.Finders() {
			feature, _, _ := strings.Cut(f.Name(), "/")
			err := f.Err()
			r := findResult{
				Finder:  f.Name(),
				State:   f.State().String(),
				Depends: e.Registry.Dependencies(f.Name()),
			}
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Value = fmt.Sprint(f.Value())
			}
			byFeature[feature] = append(byFeature[feature], r)
		}

		var results []featureResult
		for _, fs := range e.Features() {
			fr := featureResult{Name: fs.Name, Optional: fs.Optional, Enabled: fs.Enabled, Finders: byFeature[fs.Name]}
			if fs.Err != nil {
				fr.Error = fs.Err.Error()
			}
			results = append(results, fr)
		}

		if viper.GetBool("find.json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		for _, fr := range results {
			state := colors.Resolved().Sprint("enabled")
			if !fr.Enabled {
				state = colors.Failed().Sprint("disabled")
			}
			opt := ""
			if fr.Optional {
				opt = colors.Faint().Sprint(" (optional)")
			}
			fmt.Printf("%s%s %s\n", colors.Feature().Sprint(fr.Name), opt, state)
			tb := table.New(colors.Enabled(), "FINDER", "USES", "VALUE")
			for _, r := range fr.Finders {
				if r.Error != "" {
					tb.AppendRow(colors.Failed().Sprint(r.Finder), strings.Join(r.Depends, ", "), r.Error)
					continue
				}
				tb.AppendRow(r.Finder, strings.Join(r.Depends, ", "), colors.Resolved().Sprint(r.Value))
			}
			if tb.Len() > 0 {
				fmt.Println(tb)
			}
			fmt.Println()
		}
		return nil
	},
}
