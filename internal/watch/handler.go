// Package watch exposes a running batch over HTTP: a websocket stream of
// dispatcher events for live progress, and a JSON status snapshot.
package watch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"describify/internal/dispatch"
	"describify/internal/workspace"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Status is the /status response.
type Status struct {
	RunDir string                      `json:"run_dir"`
	State  dispatch.State              `json:"state"`
	Counts map[workspace.ItemState]int `json:"counts"`
	Batch  *workspace.BatchState       `json:"batch,omitempty"`
}

// Source is what the handler watches. The dispatcher satisfies it; tests
// substitute a fake.
type Source interface {
	Subscribe() <-chan dispatch.Event
	State() dispatch.State
}

// Handler serves the watch endpoints for one run.
type Handler struct {
	runDir string
	src    Source
	snap   func() Status
	logger *slog.Logger
}

func NewHandler(runDir string, src Source, snap func() Status, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runDir: runDir, src: src, snap: snap, logger: logger}
}

// Mux returns the route table for this handler.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/ws/progress", h.handleProgressWS)
	return mux
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snap()); err != nil {
		h.logger.Warn("status encode failed", "err", err)
	}
}

type wsInbound struct {
	Type string `json:"type"`
}

type wsOutbound struct {
	Type      string    `json:"type"`
	ItemPath  string    `json:"item_path,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Err       string    `json:"err,omitempty"`
	At        time.Time `json:"at,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func (h *Handler) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.logger.Warn("progress ws set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	pushWS(writeCh, wsOutbound{Type: "subscribed", Message: h.runDir})

	events := h.src.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				pushWS(writeCh, wsOutbound{
					Type:      string(ev.Type),
					ItemPath:  ev.ItemPath,
					Completed: ev.Completed,
					Failed:    ev.Failed,
					Total:     ev.Total,
					Err:       ev.Err,
					At:        ev.At,
				})
			}
		}
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushWS(writeCh, wsOutbound{Type: "pong"})
		case "status":
			s := h.snap()
			pushWS(writeCh, wsOutbound{
				Type:      "status",
				Completed: s.Counts[workspace.StateCompleted],
				Failed:    s.Counts[workspace.StateFailed],
				Message:   string(s.State),
			})
		default:
			pushWS(writeCh, wsOutbound{Type: "error", Message: "unsupported type"})
		}
	}
}

// pushWS never blocks the event pump: when the buffer is full the oldest
// update is dropped in favor of the new one.
func pushWS(writeCh chan wsOutbound, out wsOutbound) {
	select {
	case writeCh <- out:
		return
	default:
	}
	select {
	case <-writeCh:
	default:
	}
	select {
	case writeCh <- out:
	default:
	}
}
