package agent

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/session"
)

type stubProcessor struct {
	question    domain.Question
	remediation RemediationResponse
	transcript  domain.TranscriptResult
	chunks      []*ClarifyChunk
	err         error
	closed      bool
}

func (p *stubProcessor) GenerateQuestion(context.Context, QuestionRequest) (domain.Question, error) {
	return p.question, p.err
}

func (p *stubProcessor) EvaluateAnswer(context.Context, EvaluationRequest) (domain.Evaluation, error) {
	return domain.Evaluation{}, p.err
}

func (p *stubProcessor) Remediate(context.Context, RemediationRequest) (RemediationResponse, error) {
	return p.remediation, p.err
}

func (p *stubProcessor) Clarify(context.Context, ClarifyRequest) iter.Seq2[*ClarifyChunk, error] {
	return func(yield func(*ClarifyChunk, error) bool) {
		if p.err != nil {
			yield(nil, p.err)
			return
		}
		for _, c := range p.chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (p *stubProcessor) FetchTranscript(context.Context, string) (domain.TranscriptResult, error) {
	return p.transcript, p.err
}

func (p *stubProcessor) TranscriptJob(context.Context, string) (domain.TranscriptResult, error) {
	return p.transcript, p.err
}

func (p *stubProcessor) Close() { p.closed = true }

func TestServiceRejectsBlankQuestion(t *testing.T) {
	t.Parallel()
	svc := NewServiceWithProcessor(&stubProcessor{question: domain.Question{Text: "   "}}, nil)
	if _, err := svc.GenerateQuestion(context.Background(), session.QuestionRequest{Topic: "loops"}); !errors.Is(err, errEmptyQuestion) {
		t.Fatalf("expected errEmptyQuestion, got %v", err)
	}
}

func TestServiceRemediationDropsBlankQuestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		resp    RemediationResponse
		want    []string
		wantErr bool
	}{
		{
			name: "list form",
			resp: RemediationResponse{Questions: []domain.Question{{Text: "a"}, {Text: " "}, {Text: "b"}}},
			want: []string{"a", "b"},
		},
		{
			name: "single and list",
			resp: RemediationResponse{NewQuestion: &domain.Question{Text: "first"}, Questions: []domain.Question{{Text: "second"}}},
			want: []string{"first", "second"},
		},
		{
			name:    "nothing usable",
			resp:    RemediationResponse{Explanation: "x", Questions: []domain.Question{{Text: ""}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewServiceWithProcessor(&stubProcessor{remediation: tt.resp}, nil)
			rem, err := svc.Remediate(context.Background(), session.RemediationRequest{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Remediate failed: %v", err)
			}
			var got []string
			for _, q := range rem.Questions {
				got = append(got, q.Text)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("question %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestServiceClarifyPropagatesError(t *testing.T) {
	t.Parallel()
	boom := errors.New("stream reset")
	svc := NewServiceWithProcessor(&stubProcessor{err: boom}, nil)
	if _, err := svc.Clarify(context.Background(), session.ClarifyRequest{}); !errors.Is(err, boom) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestServiceTranscriptWithoutStatusIsReady(t *testing.T) {
	t.Parallel()
	svc := NewServiceWithProcessor(&stubProcessor{transcript: domain.TranscriptResult{
		Segments: []domain.TranscriptSegment{{Start: 0, Text: "hi"}},
	}}, nil)

	res, err := svc.FetchTranscript(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("FetchTranscript failed: %v", err)
	}
	if res.Status != domain.TranscriptReady {
		t.Errorf("expected ready status, got %q", res.Status)
	}
}

func TestServiceClose(t *testing.T) {
	t.Parallel()
	p := &stubProcessor{}
	NewServiceWithProcessor(p, nil).Close()
	if !p.closed {
		t.Error("expected processor to be closed")
	}
}
