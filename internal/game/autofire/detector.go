package autofire

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// queueDepth is the number of full windows a seat may have waiting behind its
// scan worker. The oldest pending window is discarded when the queue is full.
const queueDepth = 5

// Scheduler runs scan passes. Production code uses GoScheduler; tests inject a
// synchronous scheduler so scanning is deterministic.
type Scheduler interface {
	Schedule(task func())
}

// GoScheduler runs every task on its own goroutine.
type GoScheduler struct{}

// Schedule starts task on a new goroutine.
func (GoScheduler) Schedule(task func()) { go task() }

// SchedulerFunc adapts a function into a Scheduler.
type SchedulerFunc func(task func())

// Schedule calls f(task).
func (f SchedulerFunc) Schedule(task func()) { f(task) }

// Subject identifies the player whose stream a scan job inspects.
type Subject struct {
	Seat     int
	PlayerID int
	Name     string
	Address  string
}

// Hit describes one detection.
type Hit struct {
	Subject    Subject
	Level      Level
	RunLength  int
	DetectedAt time.Time
}

// Detector owns one scan job per seat. It never blocks or alters the action
// stream it observes. All methods are safe for concurrent use.
type Detector struct {
	mu     sync.Mutex
	level  Level
	jobs   []*job
	sched  Scheduler
	report func(Hit)
	logger *zap.Logger
	now    func() time.Time
}

// NewDetector creates a Detector at the given level. Invalid levels disable
// detection.
//
// Precondition: sched and report must be non-nil.
// Postcondition: Returns a Detector with no jobs; Start must be called before Feed.
func NewDetector(level Level, sched Scheduler, report func(Hit), logger *zap.Logger) *Detector {
	if !level.Valid() {
		level = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		level:  level,
		sched:  sched,
		report: report,
		logger: logger,
		now:    time.Now,
	}
}

// Level returns the current sensitivity.
func (d *Detector) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// SetLevel changes the sensitivity used by jobs created after the call.
//
// Postcondition: Returns an error and leaves the level unchanged if level is out of range.
func (d *Detector) SetLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("autofire sensitivity must be 0-%d, got %d", MaxLevel, level)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
	return nil
}

// Start discards any previous jobs and prepares room for seats jobs. It is a
// no-op when detection is disabled.
func (d *Detector) Start(seats int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range d.jobs {
		if j != nil {
			j.stop()
		}
	}
	d.jobs = nil
	if !d.level.Enabled() || seats <= 0 {
		return
	}
	d.jobs = make([]*job, seats)
}

// AddPlayer creates the scan job for subject.Seat.
//
// Precondition: Start was called with seats >= subject.Seat.
func (d *Detector) AddPlayer(subject Subject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := subject.Seat - 1
	if d.jobs == nil || i < 0 || i >= len(d.jobs) {
		return
	}
	d.jobs[i] = &job{
		subject:    subject,
		level:      d.level,
		maxGap:     d.level.MaxGap(),
		minRepeats: d.level.MinRepeats(),
		window:     d.level.WindowFrames(),
	}
}

// Jobs returns the number of scan jobs that exist.
func (d *Detector) Jobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, j := range d.jobs {
		if j != nil {
			n++
		}
	}
	return n
}

// Feed hands a batch of actions for seat to its scan job. When a window fills
// and no worker is running for the seat, one is scheduled.
func (d *Detector) Feed(seat int, data []byte, bytesPerFrame int) {
	j := d.job(seat)
	if j == nil || bytesPerFrame <= 0 {
		return
	}
	if j.add(data, bytesPerFrame) {
		d.sched.Schedule(func() { d.run(j) })
	}
}

// Stop signals the job for seat to finish. A running pass exits at the next
// frame boundary without reporting.
func (d *Detector) Stop(seat int) {
	if j := d.job(seat); j != nil {
		j.stop()
	}
}

// StopAll signals every job to finish.
func (d *Detector) StopAll() {
	d.mu.Lock()
	jobs := append([]*job(nil), d.jobs...)
	d.mu.Unlock()
	for _, j := range jobs {
		if j != nil {
			j.stop()
		}
	}
}

func (d *Detector) job(seat int) *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := seat - 1
	if i < 0 || i >= len(d.jobs) {
		return nil
	}
	return d.jobs[i]
}

func (d *Detector) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("autofire scan panicked",
				zap.Int("seat", j.subject.Seat),
				zap.Any("panic", r),
			)
			j.finish()
		}
	}()
	for {
		window, bpf, ok := j.next()
		if !ok {
			return
		}
		run, hit := scan(window, bpf, j.maxGap, j.minRepeats)
		if hit && !j.stopped() {
			d.report(Hit{
				Subject:    j.subject,
				Level:      j.level,
				RunLength:  run,
				DetectedAt: d.now(),
			})
		}
	}
}

type job struct {
	subject    Subject
	level      Level
	maxGap     int
	minRepeats int
	window     int

	mu            sync.Mutex
	bytesPerFrame int
	pending       []byte
	queue         [][]byte
	running       bool
	halted        bool
}

// add buffers data and reports whether a worker must be scheduled.
func (j *job) add(data []byte, bytesPerFrame int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.halted || j.window <= 0 {
		return false
	}
	if j.bytesPerFrame <= 0 {
		j.bytesPerFrame = bytesPerFrame
	}
	limit := j.window * j.bytesPerFrame
	for len(data) > 0 {
		if j.pending == nil {
			j.pending = make([]byte, 0, limit)
		}
		n := min(limit-len(j.pending), len(data))
		j.pending = append(j.pending, data[:n]...)
		data = data[n:]
		if len(j.pending) == limit {
			if len(j.queue) == queueDepth {
				j.queue = j.queue[1:]
			}
			j.queue = append(j.queue, j.pending)
			j.pending = nil
		}
	}
	if len(j.queue) > 0 && !j.running {
		j.running = true
		return true
	}
	return false
}

// next pops the oldest window. It clears the running flag under the same lock
// when there is nothing left, so add never misses a wakeup.
func (j *job) next() ([]byte, int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.halted || len(j.queue) == 0 {
		j.running = false
		return nil, 0, false
	}
	w := j.queue[0]
	j.queue = j.queue[1:]
	return w, j.bytesPerFrame, true
}

func (j *job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
}

func (j *job) stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.halted = true
	j.queue = nil
	j.pending = nil
}

func (j *job) stopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.halted
}
