// Package protocol defines the line-delimited JSON command/event protocol
// spoken between the host and a session worker process.
//
// Commands travel host -> worker on the worker's stdin, one JSON object per
// line. Events travel worker -> host on the worker's stdout, one JSON object
// per line. stderr is a free-text log channel and is not part of the
// protocol.
//
// Every message carries a "type" discriminator. Decoding peeks at the
// discriminator and unmarshals into the matching struct; unknown or
// malformed lines produce an error the reader logs and skips, never a
// crash.
package protocol
