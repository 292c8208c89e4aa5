package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vitalsync/data-sync/config"
	"github.com/vitalsync/data-sync/logging"
	"github.com/vitalsync/data-sync/middleware"
	"github.com/vitalsync/data-sync/store/mem"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

type syncClient struct {
	t      *testing.T
	server *httptest.Server
	key    *btcec.PrivateKey
}

func newSyncClient(t *testing.T, server *httptest.Server) *syncClient {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	return &syncClient{t: t, server: server, key: key}
}

func (c *syncClient) do(collection string, body string) (int, syncResponse) {
	requestTime := fmt.Sprintf("%d", time.Now().Unix())
	signature, err := middleware.SignMessage(c.key, []byte(middleware.SignRequest([]byte(body), requestTime)))
	require.NoError(c.t, err, "failed to sign request")

	request, err := http.NewRequest(http.MethodPost, c.server.URL+"/v1/sync/"+collection, bytes.NewReader([]byte(body)))
	require.NoError(c.t, err)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(middleware.RequestTimeHeader, requestTime)
	request.Header.Set(middleware.SignatureHeader, signature)

	response, err := c.server.Client().Do(request)
	require.NoError(c.t, err, "request failed")
	defer response.Body.Close()

	var decoded syncResponse
	require.NoError(c.t, json.NewDecoder(response.Body).Decode(&decoded), "failed to decode response")
	return response.StatusCode, decoded
}

func newTestServer(t *testing.T) *httptest.Server {
	config := &config.Config{AllowedOrigins: "*"}
	logger := logging.New(logging.Config{Level: "error", Format: "text"})
	server := httptest.NewServer(NewSyncServer(config, logger, mem.New()).Handler())
	t.Cleanup(server.Close)
	return server
}

func TestSyncService(t *testing.T) {
	server := newTestServer(t)
	client := newSyncClient(t, server)

	type step struct {
		name      string
		body      string
		processed processedCounts
		errors    int
	}
	steps := []step{
		{
			name:      "empty batch",
			body:      `{"changes":[]}`,
			processed: processedCounts{},
		},
		{
			name:      "initial record insert",
			body:      `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T10:00:00Z","name":"A"}]}`,
			processed: processedCounts{Created: 1},
		},
		{
			name:      "older change is skipped",
			body:      `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T09:00:00Z","name":"B"}]}`,
			processed: processedCounts{Skipped: 1},
		},
		{
			name:      "newer change wins",
			body:      `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T11:00:00Z","name":"C"}]}`,
			processed: processedCounts{Updated: 1},
		},
		{
			name:      "delete of unknown record is a skip",
			body:      `{"changes":[{"client_id":"c2","updated_at":"2024-03-01T11:00:00Z","deleted_at":"2024-03-01T11:00:00Z"}]}`,
			processed: processedCounts{Skipped: 1},
		},
		{
			name:      "tombstone wins over older record",
			body:      `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T12:00:00Z","deleted_at":"2024-03-01T12:00:00Z"}]}`,
			processed: processedCounts{Deleted: 1},
		},
		{
			name:      "malformed record does not abort the batch",
			body:      `{"changes":[{"updated_at":"2024-03-01T13:00:00Z"},{"client_id":"c3","updated_at":"2024-03-01T13:00:00Z","name":"D"}]}`,
			processed: processedCounts{Created: 1},
			errors:    1,
		},
	}
	for _, step := range steps {
		status, response := client.do("meals", step.body)
		require.Equal(t, http.StatusOK, status, step.name)
		require.True(t, response.Success, step.name)
		require.NotNil(t, response.Data, step.name)
		require.Equal(t, step.processed, response.Data.Processed, "wrong counts for %v", step.name)
		require.Len(t, response.Errors, step.errors, "wrong error count for %v", step.name)
		require.NotEmpty(t, response.Data.ServerTime, step.name)
	}

	// full pull: c1 is a tombstone, c3 is live, the skipped c2 never existed
	status, response := client.do("meals", `{"changes":[]}`)
	require.Equal(t, http.StatusOK, status)
	byClientID := map[string]changedRecord{}
	for _, record := range response.Data.Changes {
		byClientID[record.ClientID] = record
	}
	require.Len(t, byClientID, 2)
	require.NotEmpty(t, byClientID["c1"].DeletedAt, "pull must propagate tombstones")
	require.Empty(t, byClientID["c3"].DeletedAt)
	require.JSONEq(t, `{"name":"D"}`, string(byClientID["c3"].Fields))
	require.NotEmpty(t, byClientID["c3"].ID)

	// delta pull past every change is empty
	_, response = client.do("meals", `{"changes":[],"last_sync_timestamp":"2024-03-02T00:00:00Z"}`)
	require.Empty(t, response.Data.Changes)

	// delta pull from just before the tombstone returns only the tombstone
	_, response = client.do("meals", `{"changes":[],"last_sync_timestamp":"2024-03-01T11:59:59Z"}`)
	require.Len(t, response.Data.Changes, 1)
	require.Equal(t, "c1", response.Data.Changes[0].ClientID)
}

func TestSyncServiceOwnersAreIsolated(t *testing.T) {
	server := newTestServer(t)
	alice := newSyncClient(t, server)
	bob := newSyncClient(t, server)

	status, response := alice.do("meals", `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T10:00:00Z","name":"A"}]}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, processedCounts{Created: 1}, response.Data.Processed)

	// bob reuses the same client id without touching alice's record
	status, response = bob.do("meals", `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T08:00:00Z","name":"B"}]}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, processedCounts{Created: 1}, response.Data.Processed)

	_, response = alice.do("meals", `{"changes":[]}`)
	require.Len(t, response.Data.Changes, 1)
	require.JSONEq(t, `{"name":"A"}`, string(response.Data.Changes[0].Fields))
}

func TestSyncServiceCollectionsAreIndependent(t *testing.T) {
	server := newTestServer(t)
	client := newSyncClient(t, server)

	status, _ := client.do("meals", `{"changes":[{"client_id":"c1","updated_at":"2024-03-01T10:00:00Z","name":"A"}]}`)
	require.Equal(t, http.StatusOK, status)

	_, response := client.do("exercises", `{"changes":[]}`)
	require.Empty(t, response.Data.Changes, "meals changes must not appear in exercises")
}

func TestSyncServiceUnknownCollection(t *testing.T) {
	server := newTestServer(t)
	client := newSyncClient(t, server)

	status, response := client.do("passwords", `{"changes":[]}`)
	require.Equal(t, http.StatusNotFound, status)
	require.False(t, response.Success)
}

func TestSyncServiceRejectsUnsignedRequests(t *testing.T) {
	server := newTestServer(t)

	response, err := server.Client().Post(server.URL+"/v1/sync/meals", "application/json", bytes.NewReader([]byte(`{"changes":[]}`)))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestSyncServiceRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t)
	client := newSyncClient(t, server)

	status, response := client.do("meals", `{"changes":`)
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, response.Success)

	status, response = client.do("meals", `{"changes":[],"last_sync_timestamp":"not-a-time"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, response.Success)
}
