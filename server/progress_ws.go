package server

import (
	"net/http"
	"sync"
	"time"

	"Bt1Mix/core/mixdown"
	"Bt1Mix/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// WebSocket 配置
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 必须小于 pongWait
	maxMessageSize = 512

	subscriberBuffer = 16
	finishedRetain   = 10 * time.Minute
)

// RenderEvent types
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// RenderEvent is one message of a render job's progress stream.
type RenderEvent struct {
	JobID      string          `json:"jobId"`
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Stage      mixdown.Stage   `json:"stage,omitempty"`
	Percent    float64         `json:"percent"`
	Done       int             `json:"done,omitempty"`
	Total      int             `json:"total,omitempty"`
	Result     *mixdown.Result `json:"result,omitempty"`
	ObjectName string          `json:"objectName,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Terminal reports whether the job ended with this event.
func (e RenderEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type topic struct {
	subs   map[chan RenderEvent]struct{}
	last   RenderEvent
	seq    int
	closed bool
}

// ProgressHub fans render progress out to websocket subscribers. Slow
// subscribers miss intermediate events; the latest one is always kept.
type ProgressHub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{topics: make(map[string]*topic)}
}

func (h *ProgressHub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[chan RenderEvent]struct{})}
		h.topics[jobID] = t
	}
	return t
}

// Publish records ev as the job's latest event and forwards it.
func (h *ProgressHub) Publish(ev RenderEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(ev.JobID)
	if t.closed {
		return
	}
	t.seq++
	ev.Seq = t.seq
	t.last = ev
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the job's stream. Subscriber channels are closed and the
// topic is forgotten after a while.
func (h *ProgressHub) Close(jobID string) {
	h.mu.Lock()
	t := h.topicLocked(jobID)
	if t.closed {
		h.mu.Unlock()
		return
	}
	t.closed = true
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	h.mu.Unlock()

	time.AfterFunc(finishedRetain, func() {
		h.mu.Lock()
		if cur, ok := h.topics[jobID]; ok && cur == t {
			delete(h.topics, jobID)
		}
		h.mu.Unlock()
	})
}

// Last returns the latest event of a job.
func (h *ProgressHub) Last(jobID string) (RenderEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok || t.seq == 0 {
		return RenderEvent{}, false
	}
	return t.last, true
}

// Subscribe returns a channel of future events. The channel is nil when the
// job is unknown or already finished; use Last for its outcome. cancel must
// be called.
func (h *ProgressHub) Subscribe(jobID string) (events <-chan RenderEvent, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok || t.closed {
		return nil, func() {}
	}
	ch := make(chan RenderEvent, subscriberBuffer)
	t.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// RenderProgressWSHandler streams progress events of a render job.
func (s *Server) RenderProgressWSHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]
	var stored *RenderEvent
	if _, ok := s.hub.Last(jobID); !ok {
		// 不在内存中的任务只推送数据库里的状态
		job, err := s.deps.Jobs.Get(r.Context(), jobID)
		if err != nil || job == nil {
			http.Error(w, "Render job not found", http.StatusNotFound)
			return
		}
		ev := jobEvent(job)
		stored = &ev
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	if stored != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(stored); err == nil {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		}
		return
	}

	events, cancel := s.hub.Subscribe(jobID)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	// 读循环只用于感知断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	send := func(ev RenderEvent) bool {
		if ev.Seq <= sent {
			return true
		}
		sent = ev.Seq
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("推送导出进度失败", logger.String("job", jobID), logger.ErrorField(err))
			return false
		}
		return true
	}

	if last, ok := s.hub.Last(jobID); ok && !send(last) {
		return
	}
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			if !send(ev) {
				return
			}
		case <-gone:
			return
		}
	}
	// 任务已结束，补发最终状态
	if last, ok := s.hub.Last(jobID); ok {
		send(last)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
