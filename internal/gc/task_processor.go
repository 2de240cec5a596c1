package gc

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeapTask is a unit of background heap work that should run no earlier
// than its target time.
type HeapTask struct {
	name   string
	target time.Time
	run    func()
}

// NewHeapTask returns a task running fn at or after target.
func NewHeapTask(name string, target time.Time, fn func()) *HeapTask {
	return &HeapTask{name: name, target: target, run: fn}
}

func (t *HeapTask) Name() string          { return t.name }
func (t *HeapTask) TargetTime() time.Time { return t.target }

// TaskProcessor runs heap tasks in target time order on one goroutine.
type TaskProcessor struct {
	log     *zap.SugaredLogger
	mu      sync.Mutex
	tasks   []*HeapTask
	running bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewTaskProcessor(log *zap.SugaredLogger) *TaskProcessor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TaskProcessor{log: log, wake: make(chan struct{}, 1)}
}

// AddTask queues t.
func (p *TaskProcessor) AddTask(t *HeapTask) {
	p.mu.Lock()
	p.insertLocked(t)
	p.mu.Unlock()
	p.signal()
}

func (p *TaskProcessor) insertLocked(t *HeapTask) {
	i := sort.Search(len(p.tasks), func(i int) bool { return p.tasks[i].target.After(t.target) })
	p.tasks = append(p.tasks, nil)
	copy(p.tasks[i+1:], p.tasks[i:])
	p.tasks[i] = t
}

// UpdateTargetRunTime moves a queued task to a new target time. It
// reports false if t is no longer queued.
func (p *TaskProcessor) UpdateTargetRunTime(t *HeapTask, target time.Time) bool {
	p.mu.Lock()
	found := p.removeLocked(t)
	if found {
		t.target = target
		p.insertLocked(t)
	}
	p.mu.Unlock()
	if found {
		p.signal()
	}
	return found
}

// IsQueued reports whether t is waiting to run.
func (p *TaskProcessor) IsQueued(t *HeapTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.tasks {
		if q == t {
			return true
		}
	}
	return false
}

func (p *TaskProcessor) removeLocked(t *HeapTask) bool {
	for i, q := range p.tasks {
		if q == t {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (p *TaskProcessor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (p *TaskProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Start launches the processing goroutine.
func (p *TaskProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
}

// Stop ends the processing goroutine after the task it is running, if
// any. Queued tasks stay queued.
func (p *TaskProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done
}

// IsRunning reports whether the goroutine is started.
func (p *TaskProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// next pops the first task if it is due. Otherwise it returns how long
// until it is, or a negative duration with no task queued.
func (p *TaskProcessor) next(now time.Time) (*HeapTask, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return nil, -1
	}
	if d := p.tasks[0].target.Sub(now); d > 0 {
		return nil, d
	}
	t := p.tasks[0]
	p.tasks = p.tasks[1:]
	return t, 0
}

func (p *TaskProcessor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		t, wait := p.next(time.Now())
		if t != nil {
			p.log.Debugw("running heap task", "task", t.name)
			t.run()
			continue
		}
		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RunAllTasks runs every queued task now, in order, on the calling
// goroutine. Tasks queued while it runs are run too.
func (p *TaskProcessor) RunAllTasks() {
	for {
		p.mu.Lock()
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		t.run()
	}
}
