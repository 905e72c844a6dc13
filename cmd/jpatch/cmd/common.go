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
	"context"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/blacktop/jpatch/internal/config"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/engine"
	"github.com/blacktop/jpatch/pkg/signature"
)

func progress(total int, name string) (*mpb.Progress, *mpb.Bar) {
	p := mpb.New(mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
	bar := p.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight | decor.DextraSpace}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
			),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
			decor.Name(" ] "),
		),
	)
	return p, bar
}

// loadCorpus indexes paths, drawing a progress bar unless verbose logging
// is on.
func loadCorpus(ctx context.Context, paths []string) (*corpus.Index, error) {
	ix := corpus.New()
	if viper.GetBool("verbose") {
		ix.OnClass = func(source string, err error) {
			if err != nil {
				log.WithError(err).WithField("source", source).Debug("Skipped entry")
			}
		}
		return ix, ix.Load(ctx, paths...)
	}
	total, err := corpus.CountEntries(paths...)
	if err != nil {
		return nil, err
	}
	p, bar := progress(total, "Indexing")
	ix.OnClass = func(string, error) { bar.Increment() }
	err = ix.Load(ctx, paths...)
	if err != nil {
		bar.Abort(false)
	}
	p.Wait()
	return ix, err
}

// newEngine builds an engine over ix from the configuration and registers
// every supported signature file.
func newEngine(ix *corpus.Index) (*engine.Engine, error) {
	conf, err := config.LoadConfig(nil)
	if err != nil {
		return nil, err
	}
	sigs, err := signature.Parse(conf.Signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	sigs, err = signature.Supported(sigs, viper.GetString("target-version"))
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures found in %s", conf.Signatures)
	}
	log.WithFields(log.Fields{"files": len(sigs), "dir": conf.Signatures}).Debug("Loaded signatures")

	e, err := engine.New(ix, conf.EngineOptions())
	if err != nil {
		return nil, err
	}
	if err := signature.Register(e, sigs...); err != nil {
		return nil, err
	}
	return e, nil
}
