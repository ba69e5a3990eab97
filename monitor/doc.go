// Package monitor records the lifecycle of every routed message as a Trace of
// timestamped events (created, sent, received, processing, completed, failed,
// timeout, no_handler, expired).
//
// The Monitor never rejects an event: recording against an unknown id
// creates a placeholder trace with "unknown" endpoints. Read operations
// return copies, so callers may hold on to them without locking.
//
// Optional collaborators:
//
//   - Sink implementations receive every event (see natsbridge.TraceSink)
//   - ArchiveDir enables SaveTrace and, with AutoArchive, snapshots of
//     terminal traces as "<YYYYMMDD_HHMMSS>_<id[:8]>.json"
package monitor
