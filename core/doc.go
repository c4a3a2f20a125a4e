// Package core implements the envelope protocol and dispatch runtime shared
// by every mqpulse subsystem.
//
// A Dispatcher owns one transport mailbox. Inbound payloads are queued by the
// transport and decoded, filtered and routed to exactly one handler per
// envelope type when Process runs, so all subsystem state is touched from a
// single goroutine. User callbacks run through Invoke, which recovers and
// logs panics.
package core
