// Package agent talks to the reflection agent service that generates,
// evaluates and remediates checkpoint questions.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/reflect-labs/internal/domain"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full gRPC method names of reflection.v1.ReflectionService.
const (
	serviceName            = "reflection.v1.ReflectionService"
	methodGenerateQuestion = "/" + serviceName + "/GenerateQuestion"
	methodEvaluateAnswer   = "/" + serviceName + "/EvaluateAnswer"
	methodRemediate        = "/" + serviceName + "/Remediate"
	methodClarify          = "/" + serviceName + "/Clarify"
	methodFetchTranscript  = "/" + serviceName + "/FetchTranscript"
	methodGetTranscriptJob = "/" + serviceName + "/GetTranscriptJob"
)

// QuestionRequest is the GenerateQuestion payload.
type QuestionRequest struct {
	Topic      string `json:"topic"`
	Transcript string `json:"transcript,omitempty"`
}

// EvaluationRequest is the EvaluateAnswer payload.
type EvaluationRequest struct {
	Topic           string `json:"topic"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	ReferenceAnswer string `json:"reference_answer,omitempty"`
}

// RemediationRequest is the Remediate payload.
type RemediationRequest struct {
	Topic       string `json:"topic"`
	Transcript  string `json:"transcript,omitempty"`
	Question    string `json:"question"`
	WrongAnswer string `json:"wrong_answer"`
	Depth       int    `json:"depth"`
}

// RemediationResponse accepts both a question list and the single
// new_question form.
type RemediationResponse struct {
	Explanation string            `json:"explanation"`
	Questions   []domain.Question `json:"questions,omitempty"`
	NewQuestion *domain.Question  `json:"new_question,omitempty"`
}

// ClarifyRequest is the Clarify payload.
type ClarifyRequest struct {
	Topic       string               `json:"topic"`
	Question    string               `json:"question"`
	WrongAnswer string               `json:"wrong_answer"`
	History     []domain.ChatMessage `json:"history"`
}

// ClarifyChunk is one message of the Clarify server stream.
type ClarifyChunk struct {
	Content      string `json:"content"`
	ReadyToRetry bool   `json:"ready_to_retry,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TranscriptRequest is the FetchTranscript payload.
type TranscriptRequest struct {
	ChapterID string `json:"chapter_id"`
}

// TranscriptJobRequest is the GetTranscriptJob payload.
type TranscriptJobRequest struct {
	JobID string `json:"job_id"`
}

// encode converts a JSON-tagged value into a protobuf Struct.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return s, nil
}

// decode fills v from a protobuf Struct using v's JSON tags.
func decode(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
