// Package event defines the kevent record shared by registration requests and
// fired events, the filter and flag constants, and the error taxonomy.
//
// Constants keep their <sys/event.h> spelling so request tables read like the
// kernel interface they model.
package event
