// Package unifiedllm provides a provider-agnostic streaming client for
// reasoning models.
//
// # Architecture
//
// The package is organized in three layers:
//
//   - Provider layer: the ProviderAdapter interface, shared message and
//     stream types, and the adapters themselves
//   - Utility layer: error classification, retry policy, and the
//     StreamAccumulator that folds a stream into a Response
//   - Client layer: Client routes each Request to a registered adapter by
//     provider name and applies stream middleware
//
// # Adapters
//
// OpenAIAdapter speaks the OpenAI chat-completions streaming protocol over
// HTTP and works with any compatible backend (OpenAI, DeepSeek, Moonshot,
// vLLM, Ollama's /v1 endpoint). It surfaces reasoning_content deltas and
// native tool calls.
//
// GollmAdapter wraps github.com/teilomillet/gollm, giving access to every
// provider gollm supports. gollm exposes plain text completions, so tool
// calls are recovered from JSON embedded in the response text.
//
// # Quick Start
//
//	adapter := unifiedllm.NewOpenAIAdapter("https://api.openai.com/v1", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	events, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	acc := unifiedllm.NewStreamAccumulator()
//	for ev := range events {
//	    acc.Process(ev)
//	}
//	resp, err := acc.Result()
package unifiedllm
