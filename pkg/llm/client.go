package llm

import "context"

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the resolved model, credentials and sampling parameters
// for one completion call.
type Request struct {
	Model       string
	Messages    []Message
	APIKey      string
	APIBase     string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Usage holds the raw token counts reported by the provider.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CachedTokens     int64
	ReasoningTokens  int64
}

// Completion is the outcome of a call. HasUsage is false when the
// provider reported no usage fields (common on streamed responses), in
// which case callers estimate counts themselves.
type Completion struct {
	Model    string
	Content  string
	Usage    Usage
	HasUsage bool
}

// Client performs the remote completion call, synchronous or streamed.
type Client interface {
	// Complete performs a synchronous completion.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// CompleteStream performs a streamed completion, invoking emit for
	// each content fragment in order. It returns the final completion
	// with accumulated content once the stream ends. An error from emit
	// aborts the stream.
	CompleteStream(ctx context.Context, req Request, emit func(fragment string) error) (*Completion, error)
}
