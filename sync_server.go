package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vitalsync/data-sync/config"
	"github.com/vitalsync/data-sync/middleware"
	"github.com/vitalsync/data-sync/store"
	"github.com/vitalsync/data-sync/syncer"

	"github.com/rs/cors"
)

const maxRequestBody = 4 << 20

type collection struct {
	engine *syncer.Engine
	puller *syncer.Puller
}

// SyncServer is the HTTP surface over the sync engine: one bulk
// sync-and-pull endpoint per collection.
type SyncServer struct {
	config      *config.Config
	logger      *slog.Logger
	collections map[string]*collection
}

func NewSyncServer(config *config.Config, logger *slog.Logger, backend store.Backend) *SyncServer {
	collections := make(map[string]*collection, len(store.Collections))
	for _, name := range store.Collections {
		es := backend.Collection(name)
		collections[name] = &collection{
			engine: syncer.NewEngine(name, es, logger),
			puller: syncer.NewPuller(es),
		}
	}
	return &SyncServer{
		config:      config,
		logger:      logger,
		collections: collections,
	}
}

// Handler wires routing, CORS and metrics around the sync endpoint.
func (s *SyncServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("POST /v1/sync/{collection}", s.handleSync)

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.Origins(),
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			middleware.SignatureHeader,
			middleware.RequestTimeHeader,
		},
	})
	return c.Handler(mux)
}

type syncRequest struct {
	Changes           []syncer.ChangeRecord `json:"changes"`
	LastSyncTimestamp string                `json:"last_sync_timestamp"`
}

type processedCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// changedRecord is the wire form of a pulled record. Unlike incoming
// changes, which carry entity attributes inline beside the reserved keys,
// pulled records nest them under "fields" so an entity attribute can never
// collide with id, client_id, updated_at or deleted_at.
type changedRecord struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Fields    json.RawMessage `json:"fields"`
	UpdatedAt string          `json:"updated_at"`
	DeletedAt string          `json:"deleted_at,omitempty"`
}

type syncData struct {
	Processed  processedCounts `json:"processed"`
	Changes    []changedRecord `json:"changes"`
	ServerTime string          `json:"server_time"`
}

type syncResponse struct {
	Success bool                 `json:"success"`
	Data    *syncData            `json:"data,omitempty"`
	Errors  []syncer.RecordError `json:"errors,omitempty"`
	Message string               `json:"message"`
}

func (s *SyncServer) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := r.PathValue("collection")
	col, ok := s.collections[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown collection")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		syncRequests.WithLabelValues(name, "rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ownerID, err := middleware.Authenticate(s.config, r, body)
	if err != nil {
		syncRequests.WithLabelValues(name, "unauthenticated").Inc()
		s.writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	var request syncRequest
	if err := json.Unmarshal(body, &request); err != nil {
		syncRequests.WithLabelValues(name, "rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var since time.Time
	if request.LastSyncTimestamp != "" {
		since, err = time.Parse(time.RFC3339, request.LastSyncTimestamp)
		if err != nil {
			syncRequests.WithLabelValues(name, "rejected").Inc()
			s.writeError(w, http.StatusBadRequest, "invalid last_sync_timestamp")
			return
		}
	}

	result, err := col.engine.ApplyBatch(r.Context(), ownerID, request.Changes)
	if err != nil {
		s.fail(w, name, err)
		return
	}

	changes, watermark, err := col.puller.Pull(r.Context(), ownerID, since)
	if err != nil {
		s.fail(w, name, err)
		return
	}

	observeResult(name, result)
	syncRequests.WithLabelValues(name, "ok").Inc()
	syncDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	s.logger.Info("sync completed",
		"collection", name,
		"changes", len(request.Changes),
		"pulled", len(changes),
		"errors", len(result.Errors),
	)

	changed := make([]changedRecord, len(changes))
	for i, record := range changes {
		changed[i] = changedRecord{
			ID:        record.ID,
			ClientID:  record.ClientID,
			Fields:    record.Fields,
			UpdatedAt: record.UpdatedAt.Format(time.RFC3339Nano),
		}
		if record.DeletedAt != nil {
			changed[i].DeletedAt = record.DeletedAt.Format(time.RFC3339Nano)
		}
	}

	s.writeJSON(w, http.StatusOK, syncResponse{
		Success: true,
		Data: &syncData{
			Processed: processedCounts{
				Created: result.Created,
				Updated: result.Updated,
				Deleted: result.Deleted,
				Skipped: result.Skipped,
			},
			Changes:    changed,
			ServerTime: watermark.Format(time.RFC3339Nano),
		},
		Errors:  result.Errors,
		Message: "sync completed",
	})
}

// fail maps an engine-fatal error onto the single whole-request failure the
// client sees.
func (s *SyncServer) fail(w http.ResponseWriter, name string, err error) {
	syncRequests.WithLabelValues(name, "error").Inc()
	s.logger.Error("sync failed", "collection", name, "error", err)
	if errors.Is(err, store.ErrUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "sync failed")
}

func (s *SyncServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, syncResponse{Success: false, Message: message})
}

func (s *SyncServer) writeJSON(w http.ResponseWriter, status int, response syncResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
