package handlers

import (
	"errors"
	"net/http"

	"github.com/forgefab/conductor/internal/handshake"
)

// ReceivePacket lets a worker fetch a stashed packet:
// GET /api/handshake/{packet_id}. Worker-authenticated.
func (h *Handlers) ReceivePacket(w http.ResponseWriter, r *http.Request) {
	packetID := r.PathValue("packet_id")
	if packetID == "" {
		BadRequest(w, "packet id is required")
		return
	}

	packet, err := h.handshakes.Receive(r.Context(), packetID)
	if err != nil {
		if errors.Is(err, handshake.ErrPacketNotFound) {
			NotFound(w, "packet not found or expired")
			return
		}
		InternalError(w, "failed to load packet")
		return
	}

	JSON(w, http.StatusOK, packet)
}

// AcknowledgePacket consumes a packet after the worker accepted it:
// POST /api/handshake/{packet_id}/ack. Worker-authenticated.
func (h *Handlers) AcknowledgePacket(w http.ResponseWriter, r *http.Request) {
	packetID := r.PathValue("packet_id")
	if packetID == "" {
		BadRequest(w, "packet id is required")
		return
	}

	if err := h.handshakes.Acknowledge(r.Context(), packetID); err != nil {
		if errors.Is(err, handshake.ErrPacketNotFound) {
			NotFound(w, "packet not found or already acknowledged")
			return
		}
		InternalError(w, "failed to acknowledge packet")
		return
	}

	JSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}
