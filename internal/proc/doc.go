// Package proc is the process/signal collaborator of the event engine.
//
// Table tracks the lifecycle of processes (spawn, fork, exec, exit, reap)
// and pushes every transition to the knotes subscribed to the process:
//
//	Fork(parent)      → parent notes ← NOTE_FORK | child pid
//	Exec(p, args)     → p notes      ← NOTE_EXEC
//	Exit(p, status)   → p notes      ← NOTE_EXIT, parent ← SIGCHLD
//	p.Signal(sig)     → p signal notes ← sig, then interrupts p's sleepers
//	Reap(pid)         → remaining knotes deleted
//
// Table provides command-query separation:
//
// Queries (read-only):
//   - Lookup(pid) - Live or zombie process
//   - Len() - Number of tracked processes
//
// Commands (mutations):
//   - Spawn / Adopt - Create an entry
//   - Fork / Exec / Exit / Reap - Lifecycle transitions
//
// ProcFilter and SignalFilter return the EVFILT_PROC and EVFILT_SIGNAL
// registry entries bound to the table.
//
// Thread-safe with RWMutex for the table and a mutex per process.
package proc
