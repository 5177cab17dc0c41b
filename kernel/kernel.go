// Package kernel wires the concurrency-and-timing substrate together
// (spec.md §6): Time Source, Interrupt Discipline, Scheduler, Deep-Sleep
// Coordinator and diagnostic Logger, plus the Fault routing and
// observability surface a board bring-up path consumes. Grounded on the
// teacher's New(opts...)+config-struct construction discipline, seen in
// both `logiface.New`/`loggerConfig` and `microbatch.NewBatcher`'s
// validate-or-panic constructor.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/joeycumines/tinykernel/deepsleep"
	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/klog"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

// ErrHeapExhausted is returned by AllocHeap when the simulated heap arena
// has insufficient contiguous remaining space (spec.md §7's resource
// exhaustion class).
var ErrHeapExhausted = errors.New("kernel: heap exhausted")

// config is built up by Option values, in the teacher's New/loggerConfig
// style.
type config struct {
	tickFreq            uint64
	policy              sched.Policy
	idlePriority         sched.Priority
	idlePrioritySet      bool
	deepSleepThreshold   time.Duration
	deepSleepAvailable   bool
	heapSize             int
	logOptions           []klog.Option
	onFault              func(*Fault)
}

// Option configures a Kernel constructed by New.
type Option func(*config)

// WithTickFreq overrides the Time Source's tick frequency (default
// ktime.DefaultTickFreq).
func WithTickFreq(hz uint64) Option { return func(c *config) { c.tickFreq = hz } }

// WithPolicy overrides the scheduling discipline (default
// sched.FixedPriorityRR{}, per DESIGN.md's Open Question resolution:
// spec.md leaves fixed-priority vs EDF "as a deployment choice").
func WithPolicy(p sched.Policy) Option { return func(c *config) { c.policy = p } }

// WithIdlePriority overrides the idle thread's priority. Defaults to the
// least urgent value representable under the chosen Policy, so the idle
// thread never outranks a spawned thread.
func WithIdlePriority(p sched.Priority) Option {
	return func(c *config) { c.idlePriority = p; c.idlePrioritySet = true }
}

// WithDeepSleepThreshold overrides the Deep-Sleep Coordinator's
// threshold (spec.md §4.10). Defaults to 2ms.
func WithDeepSleepThreshold(d time.Duration) Option {
	return func(c *config) { c.deepSleepThreshold = d }
}

// WithDeepSleepAvailable overrides whether the low-power path is usable
// at all (spec.md §4.10's not-supported fallback). Defaults to true.
func WithDeepSleepAvailable(available bool) Option {
	return func(c *config) { c.deepSleepAvailable = available }
}

// WithHeapSize overrides the simulated heap arena's size in bytes
// (default 64KiB), backing CurrentFreeHeap/AbsoluteFreeHeap.
func WithHeapSize(n int) Option { return func(c *config) { c.heapSize = n } }

// WithLogOptions passes through options to the internal klog.Logger
// construction (e.g. klog.WithWriter, klog.WithLevel).
func WithLogOptions(opts ...klog.Option) Option {
	return func(c *config) { c.logOptions = append(c.logOptions, opts...) }
}

// WithOnFault registers the reset hook invoked after a Fault has been
// logged (the Go stand-in for "reboot via the board-provided reset
// path", per SPEC_FULL.md's ambient error-handling section). Defaults to
// none: the Fault is still logged, and the faulting thread terminates with
// the Fault as its result; the panic does not propagate further.
func WithOnFault(fn func(*Fault)) Option { return func(c *config) { c.onFault = fn } }

// Fault is the invariant-violation payload routed to the WithOnFault hook:
// a type alias of sched.Fault, carrying no Kernel-specific fields.
type Fault = sched.Fault

// Kernel is the top-level wiring of spec.md §6's core components.
type Kernel struct {
	Time      *ktime.Source
	Disc      *irq.Discipline
	Sched     *sched.Scheduler
	DeepSleep *deepsleep.Coordinator
	Log       *klog.Logger

	onFault      func(*Fault)
	idlePriority sched.Priority

	heapMu      sync.Mutex
	heapSize    int
	heapUsed    int
	heapMinFree int
}

// New constructs a Kernel. It does not spawn any threads; the caller
// spawns at least an idle thread (see SpawnIdle) and calls Sched.Start, per
// spec.md §6's board bring-up sequence.
func New(opts ...Option) *Kernel {
	c := &config{
		tickFreq:           ktime.DefaultTickFreq,
		policy:             sched.FixedPriorityRR{},
		deepSleepThreshold: 2 * time.Millisecond,
		deepSleepAvailable: true,
		heapSize:           64 * 1024,
	}
	for _, o := range opts {
		o(c)
	}
	if c.heapSize <= 0 {
		panic(fmt.Sprintf("kernel: heap size must be positive, got %d", c.heapSize))
	}
	if !c.idlePrioritySet {
		c.idlePriority = leastUrgentPriority(c.policy)
	}

	disc := irq.New()
	ts := ktime.New(ktime.WithTickFreq(c.tickFreq))
	sc := sched.New(ts, c.policy, disc)
	ds := deepsleep.New(ts, deepsleep.WithThreshold(c.deepSleepThreshold), deepsleep.WithAvailable(c.deepSleepAvailable))
	lg := klog.New(c.logOptions...)

	k := &Kernel{
		Time:        ts,
		Disc:        disc,
		Sched:       sc,
		DeepSleep:   ds,
		Log:         lg,
		onFault:     c.onFault,
		idlePriority: c.idlePriority,
		heapSize:    c.heapSize,
		heapMinFree: c.heapSize,
	}

	sc.SetFaultHandler(k.handleFault)

	return k
}

func leastUrgentPriority(p sched.Policy) sched.Priority {
	switch p.(type) {
	case sched.EDF:
		// Larger deadlines are less urgent under EDF.
		return sched.Priority(math.MaxInt32)
	default:
		// Smaller values are less urgent under fixed-priority policies,
		// including FixedPriorityRR and any custom Policy following the
		// same "larger is more urgent" convention.
		return sched.Priority(math.MinInt32)
	}
}

func (k *Kernel) handleFault(f *Fault) {
	k.Log.DPanic("kernel fault", klog.Field{Key: "class", Value: f.Class}, klog.Field{Key: "thread_id", Value: f.ThreadID})
	if k.onFault != nil {
		k.onFault(f)
	}
}

// SpawnIdle spawns the idle thread, the lowest-urgency thread under the
// bound Policy, whose body repeatedly asks the Deep-Sleep Coordinator to
// either wait-for-interrupt or enter low-power stop (spec.md §4.10). At
// least one idle thread must be spawned before Sched.Start, mirroring
// spec.md §6's "board bring-up... after low-level hardware init".
func (k *Kernel) SpawnIdle() (*sched.Thread, error) {
	return k.Sched.Spawn(sched.ThreadConfig{
		Name:     "idle",
		Priority: k.idlePriority,
		Entry:    k.idleBody,
	})
}

func (k *Kernel) idleBody(t *sched.Thread) any {
	for {
		t.PollPreempt()
		at, ok := k.Sched.NextWakeTick()
		if !ok {
			k.Sched.Yield(t)
			continue
		}
		// Hold the kernel-pause scope while arming and attempting the
		// low-power transition (spec.md §5), so the scheduler defers
		// preempting the idle thread out from under the arm-and-sleep
		// sequence.
		func() {
			scope := k.Disc.KernelPause()
			defer scope.Release()
			k.DeepSleep.Attempt(at)
		}()
		k.Sched.Yield(t)
	}
}

// AllocHeap bump-allocates n bytes from the simulated heap arena backing
// CurrentFreeHeap/AbsoluteFreeHeap (SPEC_FULL.md's observability
// surface). There is no Free: a real embedded heap allocator's worst-case
// fragmentation is out of this core's scope (spec.md §1); only the
// high-water mark matters here.
func (k *Kernel) AllocHeap(n int) error {
	k.heapMu.Lock()
	defer k.heapMu.Unlock()
	if k.heapUsed+n > k.heapSize {
		return fmt.Errorf("%w: requested %d, have %d", ErrHeapExhausted, n, k.heapSize-k.heapUsed)
	}
	k.heapUsed += n
	free := k.heapSize - k.heapUsed
	if free < k.heapMinFree {
		k.heapMinFree = free
	}
	return nil
}

// CurrentFreeHeap returns the simulated heap's currently free byte count
// (spec.md §6).
func (k *Kernel) CurrentFreeHeap() int {
	k.heapMu.Lock()
	defer k.heapMu.Unlock()
	return k.heapSize - k.heapUsed
}

// AbsoluteFreeHeap returns the worst-case (smallest-ever) free byte count
// observed (spec.md §6).
func (k *Kernel) AbsoluteFreeHeap() int {
	k.heapMu.Lock()
	defer k.heapMu.Unlock()
	return k.heapMinFree
}

// CurrentFreeStack returns the calling kernel thread's current free
// stack bytes (spec.md §6). Returns -1 if called from a goroutine that
// is not a kernel thread.
func (k *Kernel) CurrentFreeStack() int {
	t := k.Sched.Current()
	if t == nil {
		return -1
	}
	return t.CurrentFreeStack()
}

// AbsoluteFreeStack returns the calling kernel thread's worst-case free
// stack bytes ever observed.
func (k *Kernel) AbsoluteFreeStack() int {
	t := k.Sched.Current()
	if t == nil {
		return -1
	}
	return t.AbsoluteFreeStack()
}

// StackSize returns the calling kernel thread's total stack allocation.
func (k *Kernel) StackSize() int {
	t := k.Sched.Current()
	if t == nil {
		return -1
	}
	return t.StackSize()
}
