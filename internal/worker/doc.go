// Package worker implements the per-session worker process: it runs
// exactly one agent conversation end-to-end and exits.
//
// Commands arrive as JSON lines on stdin, events leave as JSON lines on
// stdout. The conversation is a sequence of turns, starting with the
// initial prompt and continuing with each value pulled from the follow-up
// queue, until queue closure ends it. Tool calls that need operator
// approval suspend individually on the approval broker until the matching
// response command arrives; an abort rejects them.
package worker
