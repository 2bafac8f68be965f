package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/conversehq/converse/internal/faults"
)

func jsonBody(body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, faults.Permanentf("adapter.encode", "encode provider payload: %v", err)
	}
	return encoded, nil
}

// postSignedJSON sends a pre-encoded body so the caller can sign the exact
// bytes on the wire.
func postSignedJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.Permanentf("adapter.request", "build provider request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return faults.Transientf("adapter.send", "provider call: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.Transientf("adapter.status", "provider returned %d", resp.StatusCode)
	default:
		return faults.Permanentf("adapter.status", "provider rejected with %d", resp.StatusCode)
	}
}

// postJSON sends a JSON body and classifies the response for retry
// decisions: 429/5xx and transport errors are transient, other non-2xx are
// permanent.
func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return faults.Permanentf("adapter.encode", "encode provider payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return faults.Permanentf("adapter.request", "build provider request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return faults.Transientf("adapter.send", "provider call: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.Transientf("adapter.status", "provider returned %d", resp.StatusCode)
	default:
		return faults.Permanentf("adapter.status", "provider rejected with %d", resp.StatusCode)
	}
}
