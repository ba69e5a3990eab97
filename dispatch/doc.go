// Package dispatch implements the bounded multi-round loop that lets a
// reasoning oracle call capabilities through the broker.
//
// Each Run:
//
//  1. appends the user input to the canonical transcript
//  2. copies a window of it into a private working transcript
//  3. asks the Oracle for a Decision
//  4. executes requested invocations concurrently with SendRequest, matching
//     results by tag, and folds them into the working transcript
//  5. repeats until the oracle answers or MaxRounds rounds ran, then makes a
//     final call with invocations disabled
//
// Only the user turn and the final answer reach the canonical transcript.
// Timeouts, missing handlers and capability errors become tool results of
// the form {"status":"error","message":...}; an oracle error ends the run
// with an answer starting with ErrorAnswerPrefix.
package dispatch
