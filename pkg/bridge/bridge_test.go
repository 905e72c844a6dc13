package bridge_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/pkg/bridge"
)

func TestSetTimeout(t *testing.T) {
	s := bridge.NewScheduler(context.Background())
	defer s.Close()

	fired := make(chan struct{}, 2)
	id := s.SetTimeout(func() { fired <- struct{}{} }, 10*time.Millisecond)
	assert.Positive(t, id)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Remove(id), "finished tasks are gone")
}

func TestSetInterval(t *testing.T) {
	s := bridge.NewScheduler(context.Background())
	defer s.Close()

	var n atomic.Int32
	id := s.SetInterval(func() { n.Add(1) }, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Remove(id))
	assert.False(t, s.Remove(id))

	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, n.Load(), stopped+1)
}

func TestRemoveBeforeFire(t *testing.T) {
	s := bridge.NewScheduler(context.Background())
	var fired atomic.Bool
	id := s.SetTimeout(func() { fired.Store(true) }, 50*time.Millisecond)
	other := s.SetTimeout(func() {}, time.Hour)
	assert.Greater(t, other, id)
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Remove(id))
	assert.False(t, s.Remove(12345))
	s.Close()
	assert.False(t, fired.Load())
}

func TestPanickingCallback(t *testing.T) {
	s := bridge.NewScheduler(context.Background())
	defer s.Close()
	var n atomic.Int32
	id := s.SetInterval(func() {
		n.Add(1)
		panic("boom")
	}, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Remove(id)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, r.Method+" "+r.Header.Get("X-Token")+" "+string(body))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	body := "hi"
	tests := []struct {
		name    string
		opts    bridge.RequestOptions
		want    string
		wantErr bool
	}{
		{"get", bridge.RequestOptions{URL: srv.URL + "/echo"}, "GET  ", false},
		{"post", bridge.RequestOptions{
			URL:     srv.URL + "/echo",
			Method:  http.MethodPost,
			Body:    &body,
			Headers: map[string]string{"X-Token": "t"},
		}, "POST t hi", false},
		{"not found", bridge.RequestOptions{URL: srv.URL + "/missing"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bridge.Fetch(ctx, srv.Client(), tt.opts).Await(ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	defer srv.Close()

	got := make(chan string, 1)
	bridge.Fetch(context.Background(), srv.Client(), bridge.RequestOptions{URL: srv.URL}).
		Then(func(v string) { got <- v }, func(err error) { got <- err.Error() })
	select {
	case v := <-got:
		assert.Equal(t, "pong", v)
	case <-time.After(2 * time.Second):
		t.Fatal("promise never settled")
	}

	failed := make(chan error, 1)
	bridge.Fetch(context.Background(), nil, bridge.RequestOptions{URL: "http://127.0.0.1:0/"}).
		Then(nil, func(err error) { failed <- err })
	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rejection never delivered")
	}
}

func TestOptions(t *testing.T) {
	opts, err := bridge.Options(map[string]any{
		"url":     "http://example.com",
		"method":  "PUT",
		"body":    "x",
		"headers": map[string]any{"A": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "PUT", opts.Method)
	require.NotNil(t, opts.Body)
	assert.Equal(t, "x", *opts.Body)
	assert.Equal(t, map[string]string{"A": "b"}, opts.Headers)

	_, err = bridge.Options(map[string]any{"url": "http://example.com", "timeout": 3})
	assert.ErrorContains(t, err, "timeout")
	_, err = bridge.Options(map[string]any{"method": "GET"})
	assert.Error(t, err)
}

func TestWait(t *testing.T) {
	start := time.Now()
	_, err := bridge.Wait(context.Background(), 20*time.Millisecond).Await(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	p := bridge.Wait(ctx, time.Hour)
	cancel()
	_, err = p.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
