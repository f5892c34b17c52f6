package engine

import "context"

// Engine abstracts the local inference backend used for both embeddings and
// reply generation. The chat orchestrator and the embedding index depend on
// this interface instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the complete reply.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// ChatStream sends messages with incremental output requested. Cancelling
	// ctx closes the connection to the backend.
	ChatStream(ctx context.Context, model string, messages []Message) (Stream, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Stream yields reply fragments in order. Recv returns io.EOF once the reply
// is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}
