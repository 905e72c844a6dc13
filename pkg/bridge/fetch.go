package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// RequestOptions describe a fetch.
type RequestOptions struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Body    *string           `mapstructure:"body"`
	Headers map[string]string `mapstructure:"headers"`
}

// Options decodes loosely typed options, as handed over by a script.
// Unknown keys are errors.
func Options(m map[string]any) (RequestOptions, error) {
	var opts RequestOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(m); err != nil {
		return opts, fmt.Errorf("bad fetch options: %w", err)
	}
	if opts.URL == "" {
		return opts, fmt.Errorf("bad fetch options: missing url")
	}
	return opts, nil
}

// Promise is the eventual result of an asynchronous call.
type Promise struct {
	done  chan struct{}
	value string
	err   error
}

func newPromise(fn func() (string, error)) *Promise {
	p := &Promise{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.value, p.err = fn()
	}()
	return p
}

// Then calls resolve or reject once the promise settles. It does not block.
func (p *Promise) Then(resolve func(string), reject func(error)) {
	go func() {
		<-p.done
		switch {
		case p.err != nil && reject != nil:
			reject(p.err)
		case p.err == nil && resolve != nil:
			resolve(p.value)
		}
	}()
}

// Await blocks until the promise settles or ctx is done.
func (p *Promise) Await(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fetch performs the request on its own goroutine and resolves to the
// response body. Responses with a status of 400 or more reject.
func Fetch(ctx context.Context, client *http.Client, opts RequestOptions) *Promise {
	if client == nil {
		client = http.DefaultClient
	}
	return newPromise(func() (string, error) {
		method := opts.Method
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if opts.Body != nil {
			body = strings.NewReader(*opts.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, opts.URL, body)
		if err != nil {
			return "", err
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return "", fmt.Errorf("%s %s: %s", method, opts.URL, resp.Status)
		}
		return string(data), nil
	})
}

// Wait resolves with an empty value after d.
func Wait(ctx context.Context, d time.Duration) *Promise {
	return newPromise(func() (string, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}
