package llm

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	Text  string
	Model string
	Usage Usage
}

type ModelConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	EmbeddingModel string
}
