// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing messages, transcripts and stub capabilities.
// They are not intended for production usage.
package testutil
