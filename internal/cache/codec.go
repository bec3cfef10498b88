package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// CachedResponse is the serializable representation of an HTTP response
// suitable for storage and replay. Body is always a fully materialized byte
// sequence, never a still-open stream.
type CachedResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// EncodeResponse projects a cached response into its wire form.
func EncodeResponse(res CachedResponse) (json.RawMessage, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("cache: encode response: %w", err)
	}
	return raw, nil
}

// wireResponse mirrors CachedResponse but defers body interpretation, since
// stores that round-trip values through text formats can hand the body back
// in more than one shape.
type wireResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// taggedBytes is the {"type":"Buffer","data":[...]} form a byte sequence
// degrades into when it loses its native typing across a text store.
type taggedBytes struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

// DecodeResponse reconstructs a CachedResponse from its stored form. Three
// body shapes are accepted: a base64 string (the native round trip), a plain
// JSON array of byte values, and the tagged Buffer object. Anything else
// fails with ErrDecode; shapes are never silently coerced.
func DecodeResponse(raw json.RawMessage) (CachedResponse, error) {
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return CachedResponse{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if wire.StatusCode < 100 || wire.StatusCode > 599 {
		return CachedResponse{}, fmt.Errorf("%w: status code %d out of range", ErrDecode, wire.StatusCode)
	}
	body, err := decodeBody(wire.Body)
	if err != nil {
		return CachedResponse{}, err
	}
	headers := wire.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return CachedResponse{
		StatusCode: wire.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func decodeBody(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing body", ErrDecode)
	}

	// Native form: encoding/json renders []byte as a base64 string.
	var native []byte
	if err := json.Unmarshal(raw, &native); err == nil {
		return native, nil
	}

	// Tagged form: {"type":"Buffer","data":[...]}.
	var tagged taggedBytes
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Type == "Buffer" {
		return bytesFromInts(tagged.Data)
	}

	// Plain array of byte values.
	var values []int
	if err := json.Unmarshal(raw, &values); err == nil {
		return bytesFromInts(values)
	}

	return nil, fmt.Errorf("%w: unrecognized body shape", ErrDecode)
}

func bytesFromInts(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: body byte %d out of range", ErrDecode, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// FlattenHeader collapses an http.Header into the single-valued mapping a
// CachedResponse carries. Multi-valued headers are joined the way they would
// appear on the wire.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[name] = values[0]
		default:
			joined := values[0]
			for _, v := range values[1:] {
				joined += ", " + v
			}
			out[name] = joined
		}
	}
	return out
}
