package agent

import (
	"context"
	"iter"

	"github.com/ashureev/reflect-labs/internal/domain"
)

// Processor defines the remote reflection agent operations.
// This interface is implemented by the gRPC client.
type Processor interface {
	// GenerateQuestion produces a question for a topic and transcript excerpt
	GenerateQuestion(ctx context.Context, req QuestionRequest) (domain.Question, error)

	// EvaluateAnswer judges a student answer
	EvaluateAnswer(ctx context.Context, req EvaluationRequest) (domain.Evaluation, error)

	// Remediate re-explains a failed question
	Remediate(ctx context.Context, req RemediationRequest) (RemediationResponse, error)

	// Clarify streams the clarification assistant reply
	Clarify(ctx context.Context, req ClarifyRequest) iter.Seq2[*ClarifyChunk, error]

	// FetchTranscript requests a chapter transcript or starts a job
	FetchTranscript(ctx context.Context, chapterID string) (domain.TranscriptResult, error)

	// TranscriptJob polls a transcript job
	TranscriptJob(ctx context.Context, jobID string) (domain.TranscriptResult, error)

	// Close releases resources
	Close()
}

// Ensure GrpcClient implements Processor.
var _ Processor = (*GrpcClient)(nil)
