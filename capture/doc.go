// Package capture turns ongoing session activity into memories.
//
// Buffers records messages, tool invocations and file edits per session and
// decides when a session is eligible for extraction. Service drives one
// capture: it renders the buffer, hands it to an Extractor, deduplicates the
// candidates against what is already stored and saves the rest.
//
// A session is captured by at most one goroutine at a time; MarkCapturing
// is the only way into the capturing state and ClearBuffer the only way out.
package capture
