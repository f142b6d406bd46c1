package upstream

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error { return rc.close() }

// DecodeBody returns the response body with any gzip or brotli content-encoding removed. Closing
// the returned reader closes the underlying body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	return Decode(resp.Body, resp.Header.Get("Content-Encoding"))
}

// Decode wraps body according to a Content-Encoding header value.
func Decode(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, err
		}
		return readCloser{Reader: gzipReader, close: func() error {
			gzipReader.Close()
			return body.Close()
		}}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(body), close: body.Close}, nil
	}

	return body, nil
}

// ReadErrorBody reads at most MaxErrorBody*4 bytes of a failed response for diagnostics.
func ReadErrorBody(resp *http.Response) []byte {
	body, err := DecodeBody(resp)
	if err != nil {
		return nil
	}
	defer body.Close()

	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBody*4))
	return data
}
