package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gocloud.dev/blob"
)

var (
	remoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terracotta_remote_range_requests_total",
		Help: "Number of ranged reads issued against remote rasters",
	}, []string{"source"})
	remoteBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terracotta_remote_read_bytes_total",
		Help: "Bytes read from remote rasters",
	}, []string{"source"})
)

// fetchFunc returns length bytes of an object starting at off.
type fetchFunc func(ctx context.Context, off, length int64) (io.ReadCloser, error)

// RemoteReader exposes a remote object as an io.ReadSeeker and io.ReaderAt.
// Every read is a single ranged request, so ReadAt is safe for concurrent
// use. Read and Seek share an offset guarded by a mutex.
type RemoteReader struct {
	ctx     context.Context
	source  string
	size    int64
	fetch   fetchFunc
	onClose func() error

	mu     sync.Mutex
	offset int64
}

// NewHTTPRangeReader issues a HEAD request to learn the size of the remote
// file and checks the server accepts byte ranges. ctx carries the values of
// every later range request but not its cancellation.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*RemoteReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	if resp.ContentLength <= 0 {
		return nil, errors.New("could not determine content length or file is empty")
	}

	fetch := func(ctx context.Context, off, length int64) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
		}
		return resp.Body, nil
	}
	return newRemoteReader(ctx, "http", resp.ContentLength, fetch, nil), nil
}

// NewBlobReader reads key from bucket. The bucket stays owned by the caller.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*RemoteReader, error) {
	return newBlobReader(ctx, bucket, key, nil)
}

func newBlobReader(ctx context.Context, bucket *blob.Bucket, key string, onClose func() error) (*RemoteReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}
	fetch := func(ctx context.Context, off, length int64) (io.ReadCloser, error) {
		r, err := bucket.NewRangeReader(ctx, key, off, length, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create range reader: %w", err)
		}
		return r, nil
	}
	return newRemoteReader(ctx, "blob", attrs.Size, fetch, onClose), nil
}

func newRemoteReader(ctx context.Context, source string, size int64, fetch fetchFunc, onClose func() error) *RemoteReader {
	return &RemoteReader{
		ctx:     context.WithoutCancel(ctx),
		source:  source,
		size:    size,
		fetch:   fetch,
		onClose: onClose,
	}
}

// Size returns the length of the remote object.
func (r *RemoteReader) Size() int64 { return r.size }

// Read reads from the current offset. The lock is held for the whole
// request.
func (r *RemoteReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offset >= r.size {
		return 0, io.EOF
	}
	n, err := r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

func (r *RemoteReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.offset
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, errors.New("invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	r.offset = offset
	return offset, nil
}

// ReadAt fetches exactly the requested range, clipped to the object size.
func (r *RemoteReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("%s read: invalid offset %d", r.source, off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	length := min(int64(len(p)), r.size-off)

	body, err := r.fetch(r.ctx, off, length)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := io.ReadFull(body, p[:length])
	remoteFetches.WithLabelValues(r.source).Inc()
	remoteBytes.WithLabelValues(r.source).Add(float64(n))
	if err == nil && length < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

// Close releases the bucket when the reader opened it.
func (r *RemoteReader) Close() error {
	if r.onClose != nil {
		return r.onClose()
	}
	return nil
}
