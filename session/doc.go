// Package session owns the canonical transcripts of ongoing conversations.
//
// A Store hands out one *dispatch.Transcript per session id and a per-session
// lock so that concurrent chat calls on the same conversation run one after
// another. Other backends can live in sub-packages without changing callers.
package session
