// Package llm is the model gateway: one chat-completion request per call,
// bounded by a hard timeout.
//
// A Gateway wraps a Provider (OpenAI, Anthropic or Gemini). Without a
// credential it reports ErrNotConfigured instead of calling out; an expired
// deadline is reported as ErrTimeout and any other failure as *UpstreamError.
package llm
