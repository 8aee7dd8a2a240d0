// Package credstore provides durable, per-user credential persistence for
// mcpbridge.
//
// Each (user, upstream) pair maps to a namespace holding three independent
// records: the dynamic client registration, the token set, and the
// in-flight authorization flow state. Records are JSON files in a single
// storage directory, named by namespace key and record kind:
//
//	<storage-dir>/<user>-<upstream-fingerprint>.client.json
//	<storage-dir>/<user>-<upstream-fingerprint>.token.json
//	<storage-dir>/<user>-<upstream-fingerprint>.flow.json
//
// The upstream fingerprint is the first 16 bytes of the SHA256 hash of the
// normalized upstream URL, hex-encoded, so one store safely multiplexes
// many users against multiple upstreams.
//
// SECURITY: Records hold OAuth credentials. The storage directory is
// created with 0700 permissions and files with 0600. Record values are
// never logged. Writes go through a temp file plus rename so a crashed or
// interrupted write can never leave a half-written record observable.
//
// The store contains no policy: expiry checks, refresh decisions, and flow
// validation belong to internal/oauth.
package credstore
