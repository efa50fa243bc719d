package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/google/uuid"
)

// CapacityStream pushes capacity snapshots as server-sent events until the
// client goes away. Slow clients only ever see the latest snapshot.
func (h *Handler) CapacityStream(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := logger.WithCtx(ctx).With().Str("event_id", eventID.String()).Logger()

	updates := make(chan domain.CapacitySnapshot, 1)
	push := func(s domain.CapacitySnapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	}

	// subscribe before the first read so no change falls in between
	unsubscribe, err := h.regs.SubscribeCapacity(ctx, eventID, "sse:"+uuid.NewString(), push)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	defer unsubscribe()

	snap, err := h.regs.Capacity(ctx, eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// the server's WriteTimeout would otherwise cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSnapshot(w, rc, snap); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			if err := writeSnapshot(w, rc, s); err != nil {
				log.Debug().Err(err).Msg("capacity stream closed")
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(w http.ResponseWriter, rc *http.ResponseController, s domain.CapacitySnapshot) error {
	b, err := json.Marshal(s.View())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: capacity\ndata: %s\n\n", b); err != nil {
		return err
	}
	return rc.Flush()
}
