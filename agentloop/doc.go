// Package agentloop runs the tool-calling loop for a chat session.
//
// A run repeatedly builds the model context from the session's records,
// streams a model response, and dispatches any requested tool calls in
// order, committing each outcome to the record store as it happens. The
// run ends when the model answers without tool calls, when a model call
// fails, when it is cancelled, or after Config.MaxIterations model calls.
//
// # Architecture
//
//   - Loop: the orchestrator. One active run per session, enforced by the
//     store's session lock.
//   - ContextBuilder: records to model messages, keeping only the most
//     recent tool calls in full.
//   - ToolRegistry: name to handler dispatch with required-argument
//     validation.
//   - Event: the ordered progress stream consumed by transports and the
//     client reducer.
//
// # Quick Start
//
//	reg := agentloop.NewToolRegistry()
//	tools.RegisterFileTools(reg, env)
//	loop := agentloop.NewLoop(store, client, reg, &agentloop.PromptBuilder{}, agentloop.DefaultConfig(), logger)
//
//	events, err := loop.Submit(ctx, sessionID, record.MessageRecord{Content: "List the files here"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range events {
//	    fmt.Printf("[%s] %s\n", ev.Type, ev.Content)
//	}
package agentloop
