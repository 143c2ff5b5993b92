// Package serializer converts cached payloads to and from their stored bytes.
package serializer

import (
	"fmt"
	"io"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a payload for storage.
func Marshal(payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializer: could not encode %T: %w", payload, err)
	}
	return b, nil
}

// Unmarshal decodes stored bytes into a value of type T.
func Unmarshal[T any](b []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("serializer: could not decode %T: %w", zero, err)
	}
	return v, nil
}

// Response is the cacheable part of an HTTP response.
type Response struct {
	StatusCode int         `msgpack:"status"`
	Header     http.Header `msgpack:"header"`
	Body       []byte      `msgpack:"body"`
}

// ResponseFromHTTP reads res into a Response.
// The body is consumed and closed.
func ResponseFromHTTP(res *http.Response) (*Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
	}, nil
}

// Write sends the response to w.
// Headers already set on w are kept.
func (r *Response) Write(w http.ResponseWriter) error {
	for k, vv := range r.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}
