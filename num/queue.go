package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
}

// Initialise new CPU device
func NewDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Function call, operations are applied in the order they are queued
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Number of worker threads used by the kernels
	Threads() int
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	desc string
	fn   func(threads int)
}

func newFunc(desc string, fn func(threads int)) Function {
	return Function{desc: desc, fn: fn}
}

// String returns the operation name
func (f Function) String() string { return f.desc }

type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	threads int
	*profile
}

// NewQueue creates a queue which runs the kernels using up to threads goroutines.
// If threads < 1 then runtime.GOMAXPROCS is used.
func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &cpuQueue{cpuDevice: d, threads: threads, profile: newProfile()}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.profile.enabled {
			start := time.Now()
			arg.fn(q.threads)
			q.profile.add(arg.desc, time.Since(start))
		} else {
			arg.fn(q.threads)
		}
	}
	return q
}

func (q *cpuQueue) Finish() {}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		fmt.Printf("== Profile ==\n%s", q.Profile())
	}
}

// run fn(worker, i) for i in 0..n-1 split over the given number of goroutines, worker is in range 0..threads-1
func parallel(threads, n int, fn func(worker, i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(worker int) {
			for i := range queue {
				fn(worker, i)
			}
			wg.Done()
		}(t)
	}
	wg.Wait()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
	sync.Mutex
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	p.Lock()
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
	p.Unlock()
}

func (p *profile) Profile() string {
	p.Lock()
	defer p.Unlock()
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	var s strings.Builder
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Fprintf(&s, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Fprintf(&s, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
	return s.String()
}
