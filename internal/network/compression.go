// File: internal/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			// Allocate the struct only; Reset() runs before every use.
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			// brotli.NewReader(nil) creates a reusable reader ready for Reset().
			return brotli.NewReader(nil)
		},
	}
)

// Shared empty reader used for safely resetting pooled readers.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		// The allocation stays valid for reuse even when Reset fails on a
		// bad header; return it to the pool rather than dropping it.
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	// Reset with an empty reader, not nil: gzip.Reset reads a header
	// unconditionally and the io.EOF here is expected.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// CompressionMiddleware is an http.RoundTripper that transparently handles
// HTTP response decompression. It adds an `Accept-Encoding` header to
// outgoing requests and decompresses the response body according to the
// `Content-Encoding` header received.
//
// Supports gzip, deflate (both zlib and raw), and brotli, with pooled
// readers for the hot paths.
type CompressionMiddleware struct {
	// Transport is the underlying http.RoundTripper. If nil,
	// http.DefaultTransport is used.
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps the provided http.RoundTripper.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{
		Transport: transport,
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	// Advertise support for modern compression algorithms if the caller hasn't already.
	if req.Header.Get("Accept-Encoding") == "" {
		// Brotli first; it generally compresses better.
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		// The body stream may be partially consumed at this point; it must
		// be closed and the response discarded.
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}

	return resp, nil
}

// closeWrapper ensures the decompression reader and the underlying original
// body are closed, and returns pooled readers via the callback.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil // Prevent double-callback
	}

	// For readers without a real Close (brotli in a NopCloser) this is a
	// no-op; for gzip/deflate it closes the decompressor stream.
	err1 := w.ReadCloser.Close()
	// Close the original underlying body (the pooled TCP connection).
	err2 := w.originalBody.Close()

	return errors.Join(err1, err2)
}

// DecompressResponse inspects the `Content-Encoding` header of an
// http.Response and wraps its Body with the appropriate decompression
// reader(s). Layered encodings are unwrapped in reverse order.
//
// After wrapping, the `Content-Encoding` and `Content-Length` headers are
// removed and `resp.Uncompressed` is set.
//
// If this function returns an error the body may have been partially read;
// the caller must close it and discard the response.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	// Encodings are listed in the order they were applied; decode in reverse.
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))

		var reader io.ReadCloser
		var err error
		var poolCallback func()

		switch encoding {
		case "gzip":
			gzipReader, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = gzipReader
			poolCallback = func() {
				putGzipReader(gzipReader)
			}

		case "deflate":
			// Zlib-wrapped or raw; tryDeflate buffers enough to tell.
			reader, err = tryDeflate(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate initialization error: %w", err)
			}

		case "br":
			brReader, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			// Brotli reader does not implement io.Closer.
			reader = io.NopCloser(brReader)
			poolCallback = func() {
				putBrotliReader(brReader)
			}

		case "identity", "":
			continue

		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", encoding)
		}

		// The wrapped body becomes the input for the next layer, if any.
		resp.Body = &closeWrapper{
			ReadCloser:   reader,
			originalBody: resp.Body,
			poolCallback: poolCallback,
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1 // Length is now unknown
	resp.Header.Del("Content-Length")
	resp.Uncompressed = true

	return nil
}

// --- Deflate Handling ---

// resettableReader buffers the start of a stream so a failed decode attempt
// can be replayed with a different decompressor.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	// Small buffer, enough for headers (2 bytes for zlib).
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	tee := io.TeeReader(r, buf)
	return &resettableReader{
		r:      tee,
		buf:    buf,
		source: r,
	}
}

func (rr *resettableReader) Read(p []byte) (int, error) {
	return rr.r.Read(p)
}

// Reset prepares the reader to be read again from the beginning.
func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate attempts to decode as zlib (RFC 1950), falling back to raw
// deflate (RFC 1951) for servers that send it bare.
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newResettableReader(r)

	zlibReader, err := zlib.NewReader(rr)
	if err == nil {
		return zlibReader, nil
	}

	rr.Reset()
	flateReader := flate.NewReader(rr)
	// flate.NewReader does not return an error on initialization.
	return flateReader, nil
}
