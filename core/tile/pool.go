package tile

import (
	"errors"
	"sync"
	"sync/atomic"

	"Bt1Mix/logger"
)

var errRenderPanic = errors.New("tile render panicked")

// Pool fans tile work out to a fixed set of workers and merges their responses.
// Data messages are broadcast so every worker can render any file.
type Pool struct {
	workers []*Worker
	raw     chan Response
	out     chan Response
	next    atomic.Uint64

	mu       sync.Mutex
	token    uint64
	done     map[int]int
	total    map[int]int
	finished map[int]bool

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts n workers (at least one).
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		raw:      make(chan Response, 64),
		out:      make(chan Response, 64),
		done:     make(map[int]int),
		total:    make(map[int]int),
		finished: make(map[int]bool),
		quit:     make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		w := NewWorker(i, p.raw)
		w.Start()
		p.workers = append(p.workers, w)
	}
	p.wg.Add(1)
	go p.forward()
	logger.Info("瓦片渲染工作池启动", logger.Int("workers", n))
	return p
}

// Size returns the worker count.
func (p *Pool) Size() int { return len(p.workers) }

// Responses delivers tiles and merged pre-render progress. It closes after Stop.
func (p *Pool) Responses() <-chan Response { return p.out }

// Send routes a message: renders round-robin, pre-render split across workers,
// everything else broadcast.
func (p *Pool) Send(msg Message) {
	switch m := msg.(type) {
	case RenderTileRequest:
		i := int(p.next.Add(1)-1) % len(p.workers)
		p.workers[i].Send(m)
	case PreRender:
		p.startPreRender(m)
	default:
		for _, w := range p.workers {
			w.Send(msg)
		}
	}
}

func (p *Pool) startPreRender(m PreRender) {
	n := len(p.workers)
	chunks := make([][]Payload, n)
	for i, task := range m.Tasks {
		chunks[i%n] = append(chunks[i%n], task)
	}
	p.mu.Lock()
	p.token = m.Token
	clear(p.done)
	clear(p.total)
	clear(p.finished)
	for i := range p.workers {
		p.total[i] = len(chunks[i])
	}
	p.mu.Unlock()
	for i, w := range p.workers {
		w.Send(PreRender{Token: m.Token, Tasks: chunks[i]})
	}
}

func (p *Pool) forward() {
	defer p.wg.Done()
	defer close(p.out)
	for resp := range p.raw {
		switch r := resp.(type) {
		case Progress:
			if merged, ok := p.mergeProgress(r); ok {
				p.emit(merged)
			}
		case PreRenderDone:
			if done, ok := p.mergeDone(r); ok {
				p.emit(done)
			}
		default:
			p.emit(resp)
		}
	}
}

// emit 停止后直接丢弃
func (p *Pool) emit(resp Response) {
	select {
	case p.out <- resp:
	case <-p.quit:
	}
}

func (p *Pool) mergeProgress(r Progress) (Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Token != p.token {
		return Progress{}, false
	}
	p.done[r.Worker] = r.Done
	merged := Progress{Worker: -1, Token: r.Token}
	for i := range p.workers {
		merged.Done += p.done[i]
		merged.Total += p.total[i]
	}
	return merged, true
}

func (p *Pool) mergeDone(r PreRenderDone) (PreRenderDone, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Token != p.token {
		return PreRenderDone{}, false
	}
	p.finished[r.Worker] = true
	if len(p.finished) < len(p.workers) {
		return PreRenderDone{}, false
	}
	return PreRenderDone{Worker: -1, Token: r.Token}, true
}

// Stop stops every worker and closes Responses.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		for _, w := range p.workers {
			w.Stop()
		}
		close(p.raw)
		p.wg.Wait()
		logger.Info("瓦片渲染工作池已停止")
	})
}
