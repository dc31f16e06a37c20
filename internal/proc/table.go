package proc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Pids wrap at this value so a pid always fits in NOTE_PDATAMASK.
const maxPid = int(event.NOTE_PDATAMASK)

// Interrupter is woken when a process it belongs to takes a signal.
type Interrupter interface {
	Interrupt()
}

// Process is one entry of the process table.
type Process struct {
	table *Table
	pid   int
	ppid  int

	mu           sync.Mutex
	args         []string
	exited       bool
	status       int
	ignored      map[unix.Signal]bool
	interrupters []Interrupter
	exitHooks    []func()

	notes    kqueue.KList // EVFILT_PROC knotes
	sigNotes kqueue.KList // EVFILT_SIGNAL knotes
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.pid }

// Ppid returns the parent process id.
func (p *Process) Ppid() int { return p.ppid }

// Args returns the current command line.
func (p *Process) Args() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.args)
}

// Exited reports whether the process is a zombie.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitStatus returns the status passed to Exit.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Ignore makes sig leave the process's sleepers alone. Signal knotes
// still count it.
func (p *Process) Ignore(sig unix.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignored[sig] = true
}

// AddInterrupter registers a sleeper to interrupt on signal delivery.
func (p *Process) AddInterrupter(i Interrupter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupters = append(p.interrupters, i)
}

// RemoveInterrupter undoes AddInterrupter.
func (p *Process) RemoveInterrupter(i Interrupter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx := slices.Index(p.interrupters, i); idx >= 0 {
		p.interrupters = slices.Delete(p.interrupters, idx, idx+1)
	}
}

// OnExit registers fn to run after the process exits.
func (p *Process) OnExit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitHooks = append(p.exitHooks, fn)
}

// Signal delivers sig: signal knotes count it, then sleepers are
// interrupted unless the signal is ignored.
func (p *Process) Signal(sig unix.Signal) {
	p.sigNotes.Notify(int64(sig))

	p.mu.Lock()
	var wake []Interrupter
	if !p.ignored[sig] && !p.exited {
		wake = slices.Clone(p.interrupters)
	}
	p.mu.Unlock()

	for _, i := range wake {
		i.Interrupt()
	}
	p.table.log.Debug("signal delivered",
		zap.Int("pid", p.pid),
		zap.String("signal", unix.SignalName(sig)),
		zap.Int("interrupted", len(wake)))
}

// Table is the process table.
type Table struct {
	mu      sync.RWMutex
	procs   map[int]*Process // PID -> live or zombie process
	lastPid int
	log     *zap.Logger
}

// NewTable creates an empty process table.
func NewTable(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		procs:   make(map[int]*Process),
		lastPid: 1,
		log:     log,
	}
}

// Lookup returns the process with the given pid, zombies included (query).
// Returns nil if there is none.
func (t *Table) Lookup(pid int) *Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.procs[pid]
}

// Len returns the number of tracked processes (query).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Spawn creates a process with a fresh pid (command).
func (t *Table) Spawn(ppid int, args []string) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid, err := t.allocLocked()
	if err != nil {
		return nil, err
	}
	return t.insertLocked(pid, ppid, args), nil
}

// Adopt enters a process whose pid was chosen elsewhere, such as a real
// child of this program (command).
func (t *Table) Adopt(pid, ppid int, args []string) (*Process, error) {
	if pid <= 0 || pid > maxPid {
		return nil, fmt.Errorf("pid %d out of range: %w", pid, unix.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; ok {
		return nil, fmt.Errorf("pid %d in use: %w", pid, unix.EEXIST)
	}
	return t.insertLocked(pid, ppid, args), nil
}

// Fork creates a child of parent and reports NOTE_FORK to the parent's
// knotes (command).
func (t *Table) Fork(parent *Process) (*Process, error) {
	if parent.Exited() {
		return nil, fmt.Errorf("fork of exited pid %d: %w", parent.pid, unix.ESRCH)
	}
	child, err := t.Spawn(parent.pid, parent.Args())
	if err != nil {
		return nil, err
	}
	parent.notes.Notify(int64(event.NOTE_FORK) | int64(child.pid))
	return child, nil
}

// Exec replaces the command line of p and reports NOTE_EXEC (command).
func (t *Table) Exec(p *Process, args []string) {
	p.mu.Lock()
	p.args = slices.Clone(args)
	p.mu.Unlock()
	p.notes.Notify(int64(event.NOTE_EXEC))
}

// Exit turns p into a zombie with the given status, reports NOTE_EXIT and
// sends SIGCHLD to the parent (command). Exiting twice is a no-op.
func (t *Table) Exit(p *Process, status int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.status = status
	p.interrupters = nil
	hooks := p.exitHooks
	p.exitHooks = nil
	p.mu.Unlock()

	t.log.Debug("process exited", zap.Int("pid", p.pid), zap.Int("status", status))
	p.notes.Notify(int64(event.NOTE_EXIT))
	for _, fn := range hooks {
		fn()
	}
	if parent := t.Lookup(p.ppid); parent != nil {
		parent.Signal(unix.SIGCHLD)
	}
}

// Reap removes a zombie from the table, deleting any knotes still bound to
// it (command).
func (t *Table) Reap(pid int) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if ok && !p.Exited() {
		t.mu.Unlock()
		return fmt.Errorf("reap of live pid %d: %w", pid, unix.EBUSY)
	}
	delete(t.procs, pid)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("reap pid %d: %w", pid, unix.ESRCH)
	}
	p.notes.Remove()
	p.sigNotes.Remove()
	return nil
}

func (t *Table) allocLocked() (int, error) {
	for range maxPid {
		t.lastPid++
		if t.lastPid > maxPid {
			t.lastPid = 2
		}
		if _, ok := t.procs[t.lastPid]; !ok {
			return t.lastPid, nil
		}
	}
	return 0, fmt.Errorf("process table full: %w", unix.EAGAIN)
}

func (t *Table) insertLocked(pid, ppid int, args []string) *Process {
	p := &Process{
		table: t,
		pid:   pid,
		ppid:  ppid,
		args:  slices.Clone(args),
		// default-ignored signals
		ignored: map[unix.Signal]bool{
			unix.SIGCHLD:  true,
			unix.SIGIO:    true,
			unix.SIGURG:   true,
			unix.SIGWINCH: true,
		},
	}
	t.procs[pid] = p
	return p
}
