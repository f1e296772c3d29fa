// Package handler implements the ProtocolHandler of spec.md §4.4: a
// façade over a greet.Wrapper, a session.Store, a trial.Buffer and a
// security.Security, driving three priority output queues (protocol,
// message, UI) from one serialised entry point per inbound frame.
package handler
