package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"swiftbuf/internal/broker"
	"swiftbuf/internal/diagnostics"
	"swiftbuf/internal/inputs/synthetic"
	"swiftbuf/internal/platform/logger"
	"swiftbuf/pkg/arena"
	"swiftbuf/pkg/pipeline"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

func (s *Server) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/admin/loglevel", s.handleLogLevel).Methods("PATCH")

	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/messages", s.handleProduceRouted).Methods("POST")
	v1.HandleFunc("/partitions", s.handlePartitionsList).Methods("GET")
	v1.HandleFunc("/partitions/{id}", s.handlePartitionGet).Methods("GET")
	v1.HandleFunc("/partitions/{id}/messages", s.handleMessagesRead).Methods("GET")
	v1.HandleFunc("/partitions/{id}/messages", s.handleMessagesProduce).Methods("POST")
	v1.HandleFunc("/partitions/{id}/messages", s.handleMessagesDelete).Methods("DELETE")
	v1.HandleFunc("/partitions/{id}/flush", s.handleFlush).Methods("POST")

	v1.HandleFunc("/arena", s.handleArena).Methods("GET")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")
	v1.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")

	v1.HandleFunc("/synthetic", s.handleSyntheticStatus).Methods("GET")
	v1.HandleFunc("/synthetic", s.handleSyntheticStart).Methods("POST")
	v1.HandleFunc("/synthetic", s.handleSyntheticStop).Methods("DELETE")
}

// handleLogLevel adjusts global log level at runtime.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	switch body.Level {
	case "debug", "info", "warn", "error":
		logger.SetLevel(body.Level)
		writeJSON(w, http.StatusOK, map[string]any{"level": body.Level})
		s.log.Info("log level changed", zap.String("level", body.Level))
	default:
		structuredError(w, r, http.StatusBadRequest, "invalid_level", "level must be debug|info|warn|error")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Stats())
}

func (s *Server) handlePartitionsList(w http.ResponseWriter, r *http.Request) {
	out := make([]broker.PartitionStats, 0, s.broker.NumPartitions())
	for i := 0; i < s.broker.NumPartitions(); i++ {
		p, _ := s.broker.Partition(i)
		out = append(out, p.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": out, "total": len(out)})
}

// partition resolves the {id} path variable, writing the error response itself.
func (s *Server) partition(w http.ResponseWriter, r *http.Request) (*broker.Partition, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		structuredError(w, r, http.StatusBadRequest, "invalid_partition", "partition id must be an integer")
		return nil, false
	}
	p, err := s.broker.Partition(id)
	if err != nil {
		structuredError(w, r, http.StatusNotFound, "unknown_partition", err.Error())
		return nil, false
	}
	return p, true
}

func (s *Server) handlePartitionGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) handleMessagesRead(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	switch {
	case limit <= 0:
		limit = defaultReadLimit
	case limit > maxReadLimit:
		limit = maxReadLimit
	}
	records := p.Read(from, limit)
	if q.Get("stream") == "1" || strings.Contains(r.Header.Get("Accept"), "application/x-ndjson") {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, rec := range records {
			_ = enc.Encode(rec)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		return
	}
	if records == nil {
		records = []broker.Record{}
	}
	st := p.Stats()
	if link := buildNextLink(r, records, st.NextOffset, limit); link != "" {
		w.Header().Set("Link", link)
	}
	w.Header().Set("Pagination-Limit", strconv.Itoa(limit))
	w.Header().Set("Pagination-First-Offset", strconv.FormatInt(st.FirstOffset, 10))
	w.Header().Set("Pagination-Next-Offset", strconv.FormatInt(st.NextOffset, 10))
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     records,
		"firstOffset": st.FirstOffset,
		"nextOffset":  st.NextOffset,
	})
}

// buildNextLink returns an RFC 5988 rel="next" link continuing after the last
// returned record, or "" when the page already reaches the partition tail.
func buildNextLink(r *http.Request, records []broker.Record, nextOffset int64, limit int) string {
	if len(records) == 0 {
		return ""
	}
	after := records[len(records)-1].Offset + 1
	if after >= nextOffset {
		return ""
	}
	u := *r.URL
	q := u.Query()
	q.Set("from", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return fmt.Sprintf("<%s>; rel=\"next\"", u.String())
}

type produceMessage struct {
	Key     string `json:"key"`
	Payload string `json:"payload"`
}

type produceRequest struct {
	produceMessage
	Messages []produceMessage `json:"messages"`
}

func (s *Server) handleMessagesProduce(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	var body produceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		structuredError(w, r, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	_, span := s.tracer.Start(r.Context(), "api.produce", trace.WithAttributes(attribute.Int("partition", p.ID())))
	defer span.End()

	if len(body.Messages) == 0 {
		offset, err := p.Produce([]byte(body.Key), []byte(body.Payload))
		if err != nil {
			produceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"partition": p.ID(), "offset": offset, "count": 1})
		return
	}

	entries := make([]broker.Entry, len(body.Messages))
	for i, m := range body.Messages {
		entries[i] = broker.Entry{Key: []byte(m.Key), Payload: []byte(m.Payload)}
	}
	first, err := p.ProduceBatch(entries)
	if err != nil {
		produceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"partition": p.ID(), "offset": first, "count": len(entries)})
}

// handleProduceRouted produces one message to the partition its key routes to.
func (s *Server) handleProduceRouted(w http.ResponseWriter, r *http.Request) {
	var body produceMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		structuredError(w, r, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	part, offset, err := s.broker.Produce([]byte(body.Key), []byte(body.Payload))
	if err != nil {
		produceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"partition": part, "offset": offset, "count": 1})
}

func produceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broker.ErrBufferFull):
		w.Header().Set("Retry-After", "1")
		structuredError(w, r, http.StatusServiceUnavailable, "buffer_full", err.Error())
	case errors.Is(err, broker.ErrPayloadTooLarge):
		structuredError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, broker.ErrClosed):
		structuredError(w, r, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		structuredError(w, r, http.StatusInternalServerError, "produce_failed", err.Error())
	}
}

// handleMessagesDelete trims messages up to ?upTo=offset, or drops every
// buffered message when upTo is absent.
func (s *Server) handleMessagesDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("upTo")
	if raw == "" {
		depth := p.Depth()
		p.Reset()
		s.log.Info("partition reset", zap.Int("partition", p.ID()), zap.Int("dropped", depth))
		writeJSON(w, http.StatusOK, map[string]any{"partition": p.ID(), "removed": depth})
		return
	}
	upTo, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		structuredError(w, r, http.StatusBadRequest, "invalid_offset", "upTo must be an integer offset")
		return
	}
	n := p.Trim(upTo)
	writeJSON(w, http.StatusOK, map[string]any{"partition": p.ID(), "removed": n})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	n, err := s.broker.FlushPartition(r.Context(), p.ID())
	switch {
	case errors.Is(err, pipeline.ErrOpen):
		structuredError(w, r, http.StatusServiceUnavailable, "breaker_open", "flush circuit breaker open")
	case err != nil:
		structuredError(w, r, http.StatusBadGateway, "flush_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"partition": p.ID(), "flushed": n, "depth": p.Depth()})
	}
}

func (s *Server) handleArena(w http.ResponseWriter, r *http.Request) {
	msg, pay := s.broker.ArenaMetrics()
	writeJSON(w, http.StatusOK, map[string]arena.Metrics{"message": msg, "payload": pay})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxReadLimit {
		limit = defaultReadLimit
	}
	evs := s.broker.Events(limit)
	if evs == nil {
		evs = []broker.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"system": diagnostics.Collect(s.cfg, false),
		"broker": s.broker.Stats(),
	})
}

func (s *Server) handleSyntheticStatus(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		structuredError(w, r, http.StatusNotFound, "synthetic_disabled", "synthetic generator not available")
		return
	}
	writeJSON(w, http.StatusOK, s.gen.Status())
}

func (s *Server) handleSyntheticStart(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		structuredError(w, r, http.StatusNotFound, "synthetic_disabled", "synthetic generator not available")
		return
	}
	opts := synthetic.Options{
		Rate:    s.cfg.Synthetic.Rate,
		Size:    s.cfg.Synthetic.Size,
		Workers: s.cfg.Synthetic.Workers,
		Keys:    s.cfg.Synthetic.Keys,
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			structuredError(w, r, http.StatusBadRequest, "invalid_body", "invalid JSON body")
			return
		}
	}
	// generator outlives the request
	s.gen.Start(context.WithoutCancel(r.Context()), opts)
	writeJSON(w, http.StatusAccepted, s.gen.Status())
}

func (s *Server) handleSyntheticStop(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		structuredError(w, r, http.StatusNotFound, "synthetic_disabled", "synthetic generator not available")
		return
	}
	s.gen.Stop()
	writeJSON(w, http.StatusOK, s.gen.Status())
}
