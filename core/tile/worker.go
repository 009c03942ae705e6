package tile

import (
	"image"
	"sync"
	"time"

	"Bt1Mix/core/waveform"
	"Bt1Mix/logger"
)

// ProgressInterval throttles pre-render progress messages.
const ProgressInterval = 66 * time.Millisecond

// Message is a request to a worker.
type Message interface{ message() }

// RenderTileRequest renders one tile.
type RenderTileRequest struct {
	Payload Payload
}

// StoreWaveform hands the workers a file's data. The tables are shared by all
// workers and read only. Nil fields remove.
type StoreWaveform struct {
	FilePath string
	Bands    *waveform.BandData
	Raw      *waveform.RawData
}

// ClearCache drops the worker's data of FilePath, or all data when empty.
type ClearCache struct {
	FilePath string
}

// PreRender replaces the pre-render queue.
type PreRender struct {
	Token uint64
	Tasks []Payload
}

// CancelPreRender empties the pre-render queue.
type CancelPreRender struct{}

func (RenderTileRequest) message() {}
func (StoreWaveform) message()     {}
func (ClearCache) message()        {}
func (PreRender) message()         {}
func (CancelPreRender) message()   {}

// Response is a message from a worker.
type Response interface{ response() }

// RenderTileResponse carries a rendered tile back.
type RenderTileResponse struct {
	CacheKey string
	FilePath string
	Bitmap   *image.RGBA
	Err      error
}

// Progress reports pre-render progress.
type Progress struct {
	Worker int
	Token  uint64
	Done   int
	Total  int
}

// PreRenderDone is sent once the queue drains.
type PreRenderDone struct {
	Worker int
	Token  uint64
}

func (RenderTileResponse) response() {}
func (Progress) response()           {}
func (PreRenderDone) response()      {}

// Worker renders tiles on its own goroutine with private data.
type Worker struct {
	id       int
	inbox    chan Message
	out      chan<- Response
	renderer *Renderer
	now      func() time.Time

	queue  []Payload
	cursor int
	token  uint64

	lastProgressAt    time.Time
	lastProgressDone  int
	lastProgressTotal int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker posting to out.
func NewWorker(id int, out chan<- Response) *Worker {
	return &Worker{
		id:                id,
		inbox:             make(chan Message, 64),
		out:               out,
		renderer:          NewRenderer(),
		now:               time.Now,
		lastProgressDone:  -1,
		lastProgressTotal: -1,
		stopChan:          make(chan struct{}),
	}
}

// Start 启动工作协程
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop waits for the loop to exit. Queued messages are dropped.
func (w *Worker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

// Send queues a message. It returns false once the worker stopped.
func (w *Worker) Send(msg Message) bool {
	select {
	case <-w.stopChan:
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	case <-w.stopChan:
		return false
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		if w.cursor < len(w.queue) {
			// 交互消息优先于预渲染
			select {
			case <-w.stopChan:
				return
			case msg := <-w.inbox:
				w.handle(msg)
				continue
			default:
			}
			w.preRenderNext()
			continue
		}
		select {
		case <-w.stopChan:
			return
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg Message) {
	switch m := msg.(type) {
	case RenderTileRequest:
		if m.Payload.CacheKey == "" || m.Payload.FilePath == "" {
			return
		}
		w.post(w.render(m.Payload))
	case StoreWaveform:
		w.renderer.Store(m.FilePath, m.Bands, m.Raw)
	case ClearCache:
		w.renderer.Clear(m.FilePath)
	case PreRender:
		w.startPreRender(m)
	case CancelPreRender:
		w.cancelPreRender()
	}
}

func (w *Worker) render(p Payload) (resp RenderTileResponse) {
	resp = RenderTileResponse{CacheKey: p.CacheKey, FilePath: p.FilePath}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("瓦片渲染失败", logger.String("key", p.CacheKey), logger.Any("panic", r))
			resp.Bitmap = nil
			resp.Err = errRenderPanic
		}
	}()
	resp.Bitmap = w.renderer.RenderTile(p)
	return resp
}

func (w *Worker) startPreRender(m PreRender) {
	w.cancelPreRender()
	w.token = m.Token
	if len(m.Tasks) == 0 {
		w.post(PreRenderDone{Worker: w.id, Token: m.Token})
		return
	}
	w.queue = m.Tasks
	w.cursor = 0
	w.postProgress(0, len(m.Tasks), true)
}

func (w *Worker) cancelPreRender() {
	w.queue = nil
	w.cursor = 0
	w.lastProgressAt = time.Time{}
	w.lastProgressDone = -1
	w.lastProgressTotal = -1
}

func (w *Worker) preRenderNext() {
	task := w.queue[w.cursor]
	w.cursor++
	w.post(w.render(task))
	total := len(w.queue)
	if w.cursor < total {
		w.postProgress(w.cursor, total, false)
		return
	}
	w.postProgress(total, total, true)
	w.post(PreRenderDone{Worker: w.id, Token: w.token})
	w.queue = nil
	w.cursor = 0
}

func (w *Worker) postProgress(done, total int, force bool) {
	now := w.now()
	if !force {
		if done == w.lastProgressDone && total == w.lastProgressTotal {
			return
		}
		if done < total && !w.lastProgressAt.IsZero() && now.Sub(w.lastProgressAt) < ProgressInterval {
			return
		}
	}
	w.lastProgressAt = now
	w.lastProgressDone = done
	w.lastProgressTotal = total
	w.post(Progress{Worker: w.id, Token: w.token, Done: done, Total: total})
}

func (w *Worker) post(resp Response) {
	select {
	case w.out <- resp:
	case <-w.stopChan:
	}
}
