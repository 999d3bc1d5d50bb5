package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/config"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/sse"
)

const kiosksTopic = "kiosks"

// EventReplayer serves committed events after a sequence number.
type EventReplayer interface {
	EventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.PairingEvent, error)
}

type EventsHandler struct {
	bus       sse.Bus
	replayer  EventReplayer
	heartbeat time.Duration
}

func NewEventsHandler(bus sse.Bus, replayer EventReplayer) *EventsHandler {
	return &EventsHandler{
		bus:       bus,
		replayer:  replayer,
		heartbeat: config.SSEHeartbeatInterval,
	}
}

// ServeHTTP streams the tenant's kiosks topic. A reconnecting client sends
// Last-Event-ID (or ?since=) and first receives every event it missed.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	if topic := r.URL.Query().Get("topic"); topic != "" && topic != kiosksTopic {
		writeError(w, apperrors.InvalidInput("topic", "only 'kiosks' is supported"))
		return
	}

	afterSeq, resume := parseSeq(r.Header.Get("Last-Event-ID"))
	if !resume {
		afterSeq, resume = parseSeq(r.URL.Query().Get("since"))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx := r.Context()

	// Subscribe before replaying so nothing committed in between is lost.
	client, err := h.bus.Subscribe(ctx, tenant)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant).Msg("event bus subscribe failed")
		writeError(w, apperrors.TransientStore(err))
		return
	}
	defer h.bus.Unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log.Info().
		Str("tenantId", tenant).
		Int64("afterSeq", afterSeq).
		Bool("resume", resume).
		Msg("sse connection established")

	if err := h.sendNamed(w, flusher, "connected", map[string]any{
		"topic":    kiosksTopic,
		"resumed":  resume,
		"afterSeq": afterSeq,
	}); err != nil {
		return
	}

	var replayed map[int64]struct{}
	if resume {
		replayed, err = h.replay(ctx, w, flusher, tenant, afterSeq)
		if err != nil {
			log.Warn().Err(err).Str("tenantId", tenant).Msg("sse replay failed, closing stream")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("tenantId", tenant).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("tenantId", tenant).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			// Live events may arrive out of seq order. Skip only what
			// replay already wrote.
			if _, ok := replayed[event.Seq]; ok && event.Seq != 0 {
				delete(replayed, event.Seq)
				continue
			}
			if err := h.sendPairingEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Str("tenantId", tenant).Msg("sse write failed, closing connection")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("tenantId", tenant).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// replay writes every committed event after afterSeq and returns the seqs
// it wrote.
func (h *EventsHandler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, tenant string, afterSeq int64) (map[int64]struct{}, error) {
	sent := make(map[int64]struct{})
	cursor := afterSeq
	total := 0
	for {
		events, err := h.replayer.EventsSince(ctx, tenant, cursor, config.EventReplayLimit)
		if err != nil {
			return sent, err
		}
		for _, event := range events {
			if err := h.sendPairingEvent(w, flusher, event); err != nil {
				return sent, err
			}
			sent[event.Seq] = struct{}{}
			cursor = event.Seq
		}
		total += len(events)
		if len(events) < config.EventReplayLimit {
			break
		}
	}

	if total > 0 {
		log.Info().
			Str("tenantId", tenant).
			Int64("afterSeq", afterSeq).
			Int("count", total).
			Msg("replayed missed pairing events")
	}
	return sent, nil
}

func (h *EventsHandler) sendNamed(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (h *EventsHandler) sendPairingEvent(w http.ResponseWriter, flusher http.Flusher, event model.PairingEvent) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, event.ToSSEEventData()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
