package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/types"
)

const (
	defaultLimit = 20
	maxBodyBytes = 1 << 20
)

type eventsResponse struct {
	Events []event.Event `json:"events"`
}

// collected reports whether a final event belongs in the reply of a turn.
func collected(ev event.Event) bool {
	switch ev.(type) {
	case *event.Assistant, *event.FunctionCall, *event.FunctionOutput, *event.Error:
		return true
	}
	return false
}

// handlePostEvents sends the body as a user message and replies with the
// final events of the turn once it has ended.
func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request, user types.UserID) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/plain" {
		writeError(w, http.StatusBadRequest, "The content type must be text/plain.")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "The content is too large.")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "The content must not be empty.")
		return
	}

	t, ok := s.thread(w, r, user)
	if !ok {
		return
	}
	stream, err := t.Stream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	defer stream.Close()
	defer s.reportDropped(user, stream)

	// The turn's events are all queued on the stream before the run
	// completes, so cancelling on completion never loses any of them.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan error, 1)
	run, err := s.inbound.HandleInbound(ctx, user, string(body), "http", gateway.WithOnComplete(func(err error) {
		done <- err
		cancel()
	}))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, _ := stream.Turn(ctx, types.MessageID(run.ID))
	events := []event.Event{}
	for _, ev := range turn {
		if collected(ev) {
			events = append(events, ev)
		}
	}

	if r.Context().Err() != nil {
		return
	}
	select {
	case err := <-done:
		if err != nil && len(events) == 0 {
			s.logger.Error("turn failed", "user_id", string(user), "run_id", string(run.ID), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	default:
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// parseUnix reads a unix timestamp in seconds. Zero and empty are unbounded.
func parseUnix(q string) (time.Time, error) {
	if q == "" {
		return time.Time{}, nil
	}
	f, err := strconv.ParseFloat(q, 64)
	if err != nil {
		return time.Time{}, err
	}
	if f == 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(f * 1e6)).UTC(), nil
}

func (s *Server) parseWindow(r *http.Request) (event.Window, error) {
	q := r.URL.Query()
	w := event.Window{Limit: defaultLimit, Order: event.NewestFirst}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return w, fmt.Errorf("invalid limit %q", v)
		}
		w.Limit = n
	}
	var err error
	if w.Since, err = parseUnix(q.Get("since")); err != nil {
		return w, fmt.Errorf("invalid since %q", q.Get("since"))
	}
	if w.Until, err = parseUnix(q.Get("until")); err != nil {
		return w, fmt.Errorf("invalid until %q", q.Get("until"))
	}
	if !w.Since.IsZero() {
		w.Order = event.OldestFirst
	}
	return w, nil
}

// load returns the events of user selected by w in chronological order.
func (s *Server) load(ctx context.Context, user types.UserID, w event.Window) ([]event.Event, error) {
	recs, err := s.history.LoadWindow(ctx, user, w)
	if err != nil {
		return nil, err
	}
	if w.Order == event.NewestFirst {
		slices.Reverse(recs)
	}
	events := make([]event.Event, len(recs))
	for i, rec := range recs {
		events[i] = rec.Event
	}
	return events, nil
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, user types.UserID) {
	window, err := s.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		s.streamEvents(w, r, user, window.Limit)
		return
	}

	events, err := s.load(r.Context(), user, window)
	if err != nil {
		s.logger.Error("load history", "user_id", string(user), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// streamEvents replays the latest limit stored events and then follows the
// thread as server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, user types.UserID, limit int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	t, ok := s.thread(w, r, user)
	if !ok {
		return
	}
	stream, err := t.Stream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	defer stream.Close()
	defer s.reportDropped(user, stream)

	replay, err := s.load(r.Context(), user, event.Window{Limit: limit, Order: event.NewestFirst})
	if err != nil {
		s.logger.Error("load history", "user_id", string(user), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seen := make(map[types.EventID]bool, len(replay))
	for _, ev := range replay {
		seen[ev.Base().ID] = true
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		ev, err := stream.Next(r.Context(), s.heartbeat)
		switch {
		case errors.Is(err, runtime.ErrHeartbeat):
			if _, err := io.WriteString(w, "event: heartbeat\n\n"); err != nil {
				return
			}
		case err != nil:
			return
		case seen[ev.Base().ID]:
			continue
		default:
			if err := writeSSE(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// reportDropped logs the events a client missed because it read too slowly.
func (s *Server) reportDropped(user types.UserID, stream *runtime.Stream) {
	if n := stream.Dropped(); n > 0 {
		s.logger.Warn("event stream fell behind", "user_id", string(user), "dropped", n)
	}
}

func writeSSE(w io.Writer, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
