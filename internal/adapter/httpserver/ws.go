package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/recaplab/recap-engine/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin validation is handled by the CORS middleware.
		return true
	},
}

// EventsHandler streams a job's progress over a websocket: a snapshot
// first, then the ring tail newer than ?after_seq=, then live events until
// the job goes terminal or the client leaves.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("op=http.events: %w", domain.ErrUnauthenticated))
			return
		}
		jobID := chi.URLParam(r, "id")
		j, err := s.Status.Get(r.Context(), owner, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		events, cancelSub := s.Bus.Subscribe(jobID, afterSeq)
		defer cancelSub()

		if err := writeEvent(conn, snapshotEvent(j)); err != nil {
			return
		}

		// Drain client frames so close handshakes and pings are processed.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// Topic closed (terminal) or this subscriber fell behind.
					// Either way the store snapshot has the final word.
					if final, gerr := s.Status.Get(r.Context(), owner, jobID); gerr == nil {
						_ = writeEvent(conn, snapshotEvent(final))
					}
					deadline := time.Now().Add(wsWriteTimeout)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
			case <-clientGone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// snapshotEvent renders the stored job as an unsequenced event so clients
// always start from authoritative state.
func snapshotEvent(j domain.Job) domain.ProgressEvent {
	return domain.ProgressEvent{
		JobID:             j.ID,
		Stage:             j.Stage,
		Progress:          j.Progress,
		CurrentStep:       j.CurrentStep,
		CompletedSegments: j.CompletedSegments,
		PlannedSegments:   j.PlannedSegments,
		TerminalError:     j.Err,
	}
}

func writeEvent(conn *websocket.Conn, ev domain.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}
