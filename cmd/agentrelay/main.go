// Command agentrelay runs a capability relay: an interactive chat REPL, a
// long-running server with HTTP and NATS surfaces, and tooling to inspect
// archived message traces.
package main

func main() {
	Execute()
}
