// Package broker implements the in-process message routing substrate.
//
// Every registered capability owns one bounded mailbox drained by exactly
// one worker goroutine, so messages to the same recipient are handled in
// the order they were routed. SendRequest correlates responses through a
// pending table keyed by request id and gives up after a timeout:
//
//	b := broker.New()
//	defer b.Shutdown()
//
//	_ = b.Register("echo", broker.HandlerFunc(func(ctx context.Context, m message.Message) (message.Payload, error) {
//		return message.Payload{"status": "success", "echo": m.Payload["text"]}, nil
//	}))
//
//	req, _ := message.NewRequest("coordinator", "echo", message.Payload{"text": "hi"})
//	resp, err := b.SendRequest(ctx, req, 5*time.Second)
//
// Failure modes are reported as sentinel errors (ErrNoHandler, ErrTimeout,
// ErrMailboxFull, ErrClosed). A failing request handler yields an
// error-kind response unless Options.ErrorResponses is disabled.
package broker
