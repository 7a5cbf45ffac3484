package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"intervention-engine/internal/model"
)

// envelope wraps an encoded snapshot for WebSocket delivery.
// Hand-crafted so the snapshot is encoded once per refresh, not per client.
func envelope(kind string, seq uint64, now time.Time, data []byte) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

// Broadcast pushes s to every connected client. Clients whose send queue
// is full miss this frame; the next snapshot supersedes it anyway.
func (h *Hub) Broadcast(s *model.Snapshot) {
	if s == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error("encode snapshot", "version", s.Version, "error", err)
		return
	}
	now := h.now()

	if h.Latency != nil {
		if newest := newestTick(s); !newest.IsZero() {
			if ms := float64(now.Sub(newest).Microseconds()) / 1000.0; ms >= 0 {
				h.Latency.Record(ms)
			}
		}
	}

	h.mu.Lock()
	h.seq++
	buf := envelope("snapshot", h.seq, now, data)
	h.last = buf
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	dropped := 0
	for _, c := range clients {
		if !c.enqueue(buf) {
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Debug("slow ws clients skipped frame", "version", s.Version, "clients", dropped)
		if h.OnDroppedFrame != nil {
			h.OnDroppedFrame(dropped)
		}
	}
}

func newestTick(s *model.Snapshot) time.Time {
	var newest time.Time
	for _, t := range s.LatestTicks {
		if t.Timestamp.After(newest) {
			newest = t.Timestamp
		}
	}
	return newest
}
