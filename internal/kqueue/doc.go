// Package kqueue implements the knote/kqueue event-notification engine.
//
// Architecture:
//
//	┌──────────────┐  Register / Kevent   ┌───────────────────────────────┐
//	│   consumer   │ ───────────────────→ │ Kqueue                        │
//	└──────────────┘ ←─── fired events ── │  pending queue (cursor+marker)│
//	                                      │  knote set, ident map         │
//	                                      └──────────────┬────────────────┘
//	                                                     │ owns
//	                                                     ▼
//	┌──────────────┐  Notify(hint)        ┌───────────────────────────────┐
//	│ event source │ ───────────────────→ │ Knote                         │
//	│  (KList)     │                      │  ownership: idle/owned/pending│
//	└──────────────┘                      │  FilterOps: attach/detach/    │
//	                                      │             event/[touch]     │
//	                                      └───────────────────────────────┘
//
// Every call into a filter happens with the knote owned and without the
// kqueue lock held, so filters may block or re-enter Register. A second
// thread that finds a knote owned never mutates it; it marks the knote for
// reprocessing (and, for notifications, records its hint) and the owner
// replays that work on release.
//
// Descriptor-keyed filters are looked up through the source's KList;
// everything else is looked up in the kqueue's ident map.
package kqueue
