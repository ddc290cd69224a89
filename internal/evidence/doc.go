// Package evidence keeps the bounded, append-only records of protection
// violations and security events.
//
// Two logs exist, each persisted as one JSON array in the storage substrate:
//
//   - protection_violations (capacity 100): identity, license and
//     environment anomalies
//   - security_events (capacity 50): rate-limit blocks, automation and
//     timing anomalies
//
// When a log is full the oldest entry is evicted. Entries are never modified
// after insertion. A Book routes each event type to the right log and fans
// recorded entries out to subscribers such as the websocket stream.
package evidence
