// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// StatusClient pushes regenerated status list credentials to an external
// publication endpoint. Publication is best-effort; the stored SLC remains
// the source of truth and readers regenerate lazily regardless.
type StatusClient interface {
	Publish(ctx context.Context, url string, credential []byte) error
}

// HTTPStatusClient publishes SLCs over plain HTTP POST.
type HTTPStatusClient struct {
	client *http.Client
}

// NewHTTPStatusClient returns a status client with a pooled transport.
func NewHTTPStatusClient() *HTTPStatusClient {
	return &HTTPStatusClient{client: cleanhttp.DefaultPooledClient()}
}

// Publish implements StatusClient.
func (c *HTTPStatusClient) Publish(ctx context.Context, url string, credential []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(credential))
	if err != nil {
		return fmt.Errorf("building publish request: %v", err)
	}
	req.Header.Set("Content-Type", "application/vc+ld+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("publishing status list credential: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("publishing status list credential: endpoint returned %s", resp.Status)
	}
	return nil
}
