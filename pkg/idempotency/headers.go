package idempotency

import (
	"encoding/json"
	"net/http"
)

// encodeHeaders serializes headers as a flat JSON object of
// last-value-wins strings, matching the shape the forwarder already
// produces before caching.
func encodeHeaders(headers http.Header) ([]byte, error) {
	flat := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			flat[k] = v[len(v)-1]
		}
	}
	return json.Marshal(flat)
}

func decodeHeaders(raw []byte) (http.Header, error) {
	if len(raw) == 0 {
		return http.Header{}, nil
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	hdr := make(http.Header, len(flat))
	for k, v := range flat {
		hdr.Set(k, v)
	}
	return hdr, nil
}
