package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPBroadcaster is a Broadcaster that fans commit events out to a
// webhook endpoint shared by every server instance in a horizontally
// scaled deployment (e.g. a small internal relay that re-publishes to
// each instance's Subscribe loop). Delivery is retried with backoff;
// a single slow or unreachable peer never blocks the commit path that
// triggered the publish, since Publish is always called from a
// detached goroutine by the caller.
type HTTPBroadcaster struct {
	client     *retryablehttp.Client
	publishURL string
	instanceID string
}

// NewHTTPBroadcaster builds a Broadcaster that posts events to
// publishURL. instanceID is included in every published event so a
// receiving instance can ignore events it originated itself.
func NewHTTPBroadcaster(publishURL, instanceID string) *HTTPBroadcaster {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &HTTPBroadcaster{client: client, publishURL: publishURL, instanceID: instanceID}
}

type wireEvent struct {
	InstanceID  string      `json:"instanceId"`
	PartitionID string      `json:"partitionId"`
	ScopeKeys   []string    `json:"scopeKeys"`
	Event       CommitEvent `json:"event"`
}

// Publish POSTs the event to the shared relay endpoint.
func (b *HTTPBroadcaster) Publish(ctx context.Context, partitionID string, scopeKeys []string, event CommitEvent) error {
	body, err := json.Marshal(wireEvent{InstanceID: b.instanceID, PartitionID: partitionID, ScopeKeys: scopeKeys, Event: event})
	if err != nil {
		return fmt.Errorf("realtime: marshal broadcast event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.publishURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("realtime: build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("realtime: broadcast publish: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("realtime: broadcast publish: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Subscribe is not implemented by the HTTP broadcaster: receiving
// events back from the relay requires an inbound endpoint on this
// server, which is deployment-specific and wired by the operator
// outside this package. Servers that need cross-instance fan-out
// implement Broadcaster themselves (e.g. over a message broker) and
// pass it to NewRegistry instead.
func (b *HTTPBroadcaster) Subscribe(ctx context.Context, onEvent func(partitionID string, scopeKeys []string, event CommitEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}
