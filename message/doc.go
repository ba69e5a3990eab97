// Package message defines the typed envelope exchanged between capabilities.
//
// A Message is an immutable value once routed. Responses are never built by
// hand; CreateResponse derives them from the originating request so that the
// correlation id and the swapped endpoints always line up:
//
//	req, _ := message.NewRequest("coordinator", "retriever", message.Payload{"query": "go"})
//	resp := req.CreateResponse(message.Payload{"status": "success"}, "")
//	// resp.CorrelationID == req.ID, resp.Sender == "retriever"
package message
