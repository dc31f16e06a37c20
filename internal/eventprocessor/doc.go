// Package eventprocessor routes fired kevents to specialized handlers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      kqueue.Kevent batches              │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Drops events the matcher rejects    │
//	│   - Routes by filter                    │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ EV_ERROR ───────→ ErrorHandler
//	          │
//	          ├──→ EVFILT_PROC ────→ ProcessHandler
//	          │                      - child / fork / exec / exit
//	          │
//	          ├──→ EVFILT_READ ────→ DescriptorHandler
//	          ├──→ EVFILT_WRITE       - readable / writable / vnode notes
//	          ├──→ EVFILT_VNODE
//	          │
//	          ├──→ EVFILT_TIMER ───→ TimerHandler
//	          │
//	          └──→ EVFILT_SIGNAL ──→ SignalHandler
//
// The handlers are typically implemented by the output formatters.
package eventprocessor
