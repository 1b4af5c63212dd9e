package domain

// Question is a reflection question shown at a checkpoint.
type Question struct {
	Text            string `json:"question"`
	ReferenceAnswer string `json:"reference_answer,omitempty"`
	// Fallback marks a templated question used when generation failed.
	Fallback bool `json:"fallback,omitempty"`
}

// Evaluation is the verdict on a submitted answer.
type Evaluation struct {
	Correct  bool   `json:"correct"`
	Feedback string `json:"feedback"`
	Hint     string `json:"hint,omitempty"`
}

// Remediation is a simplified re-explanation plus follow-up questions.
type Remediation struct {
	Explanation string     `json:"explanation"`
	Questions   []Question `json:"questions"`
}

// ChatMessage is one turn of the clarification exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ClarifyReply is the assistant's answer in the clarification exchange.
type ClarifyReply struct {
	Message      string `json:"message"`
	ReadyToRetry bool   `json:"ready_to_retry"`
}
