package llm

import "context"

type Generator interface {
	Generate(ctx context.Context, system string, history []Message, cfg ModelConfig) (*Result, error)
}
