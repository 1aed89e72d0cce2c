package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []core.StreamEvent
	hook   func(ev core.StreamEvent) error
}

func (r *recorder) deliver(ev core.StreamEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.hook != nil {
		return r.hook(ev)
	}
	return nil
}

func (r *recorder) body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b bytes.Buffer
	for _, ev := range r.events {
		if ev.Type == core.ChunkReceived {
			b.Write(ev.Data)
		}
	}
	return b.Bytes()
}

func (r *recorder) last() core.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) count(typ core.StreamEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func firmware(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestHTTP_StreamsBodyInOrder(t *testing.T) {
	fw := firmware(50_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		// No Content-Length: the body is sent chunked.
		for i := 0; i < len(fw); i += 3000 {
			end := min(i+3000, len(fw))
			_, _ = w.Write(fw[i:end])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	tr := NewHTTP(srv.URL+"/firmware", srv.Client(), Config{Timeout: time.Second, BufferSize: 1024})

	require.NoError(t, tr.Stream(context.Background(), rec.deliver))
	assert.Equal(t, fw, rec.body())
	assert.Equal(t, core.StreamEnded, rec.last().Type)
	assert.Equal(t, 1, rec.count(core.StreamEnded))
	assert.Zero(t, rec.count(core.StreamFailed))

	for _, ev := range rec.events {
		assert.LessOrEqual(t, len(ev.Data), 1024)
	}
}

func TestHTTP_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorder{}
	require.NoError(t, NewHTTP(srv.URL, nil, Config{}).Stream(context.Background(), rec.deliver))
	require.Len(t, rec.events, 1)
	assert.Equal(t, core.StreamEnded, rec.events[0].Type)
}

func TestHTTP_Non2xxIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	rec := &recorder{}
	err := NewHTTP(srv.URL, srv.Client(), Config{}).Stream(context.Background(), rec.deliver)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	require.Len(t, rec.events, 1)
	assert.Equal(t, core.StreamFailed, rec.events[0].Type)
	assert.Equal(t, err, rec.events[0].Err)
}

func TestHTTP_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &recorder{}
	err := NewHTTP(url, nil, Config{Timeout: time.Second}).Stream(context.Background(), rec.deliver)
	require.Error(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, core.StreamFailed, rec.events[0].Type)
}

func TestHTTP_IdleTimeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial image"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	rec := &recorder{}
	start := time.Now()
	err := NewHTTP(srv.URL, srv.Client(), Config{Timeout: 100 * time.Millisecond}).Stream(context.Background(), rec.deliver)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []byte("partial image"), rec.body())
	assert.Equal(t, core.StreamFailed, rec.last().Type)
	assert.ErrorIs(t, rec.last().Err, ErrIdleTimeout)
	assert.Zero(t, rec.count(core.StreamEnded))
}

func TestHTTP_SlowConsumerIsNotIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			_, _ = w.Write(firmware(512))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	rec := &recorder{hook: func(ev core.StreamEvent) error {
		if ev.Type == core.ChunkReceived {
			time.Sleep(300 * time.Millisecond)
		}
		return nil
	}}
	err := NewHTTP(srv.URL, srv.Client(), Config{Timeout: 200 * time.Millisecond, BufferSize: 512}).Stream(context.Background(), rec.deliver)
	require.NoError(t, err)
	assert.Len(t, rec.body(), 3*512)
}

func TestHTTP_ConsumerErrorAbortsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			if _, err := w.Write(firmware(4096)); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	stop := errors.New("flash write failed")
	rec := &recorder{hook: func(ev core.StreamEvent) error { return stop }}

	err := NewHTTP(srv.URL, srv.Client(), Config{}).Stream(context.Background(), rec.deliver)
	assert.ErrorIs(t, err, stop)
	require.Len(t, rec.events, 1, "nothing is delivered after the consumer fails")
	assert.Equal(t, core.ChunkReceived, rec.events[0].Type)
}

func TestHTTP_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := NewHTTP(srv.URL, srv.Client(), Config{Timeout: 10 * time.Second}).Stream(ctx, rec.deliver)
	require.Error(t, err)
	assert.Equal(t, core.StreamFailed, rec.last().Type)
}

func TestS3_StreamsObject(t *testing.T) {
	fw := firmware(20_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/firmware/app.bin" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(fw)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		_, _ = w.Write(fw)
	}))
	defer srv.Close()

	client, err := NewMinIOClient(&options.S3Options{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, NewS3(client, "firmware", "app.bin", Config{Timeout: time.Second}).Stream(context.Background(), rec.deliver))
	assert.Equal(t, fw, rec.body())
	assert.Equal(t, core.StreamEnded, rec.last().Type)

	rec = &recorder{}
	err = NewS3(client, "firmware", "missing.bin", Config{Timeout: time.Second}).Stream(context.Background(), rec.deliver)
	require.Error(t, err)
	assert.Equal(t, core.StreamFailed, rec.last().Type)
	assert.Zero(t, rec.count(core.ChunkReceived))
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://firmware/releases/v2/app.bin")
	require.NoError(t, err)
	assert.Equal(t, "firmware", bucket)
	assert.Equal(t, "releases/v2/app.bin", key)

	for _, raw := range []string{"s3://firmware", "s3:///app.bin", "http://firmware/app.bin"} {
		_, _, err := ParseS3URL(raw)
		assert.Error(t, err, raw)
	}
}

func TestNew(t *testing.T) {
	ota := options.NewOTAOptions()
	s3 := options.NewS3Options()

	tr, err := New(ota, s3)
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, tr)

	ota.URL = "s3://firmware/app.bin"
	_, err = New(ota, s3)
	assert.ErrorContains(t, err, "--s3.endpoint")

	s3.Endpoint = "minio.local:9000"
	tr, err = New(ota, s3)
	require.NoError(t, err)
	assert.IsType(t, &S3{}, tr)
}
