package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type agentHandler func(method string, req map[string]any, stream grpc.ServerStream) error

// startFakeAgent serves every method through handler over an in-memory
// listener and returns a connected client.
func startFakeAgent(t *testing.T, handler agentHandler) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return handler(method, req.AsMap(), stream)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewGrpcClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func reply(t *testing.T, stream grpc.ServerStream, v map[string]any) error {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return stream.SendMsg(s)
}

func TestNewGrpcClientRequiresAddress(t *testing.T) {
	t.Parallel()
	if _, err := NewGrpcClient(GrpcClientConfig{}, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestGenerateQuestionOverGRPC(t *testing.T) {
	t.Parallel()

	var gotMethod string
	var gotTopic any
	client := startFakeAgent(t, func(method string, req map[string]any, stream grpc.ServerStream) error {
		gotMethod, gotTopic = method, req["topic"]
		return reply(t, stream, map[string]any{
			"question":         "Why do loops need an exit condition?",
			"reference_answer": "to terminate",
		})
	})

	q, err := client.GenerateQuestion(context.Background(), QuestionRequest{Topic: "loops", Transcript: "..."})
	if err != nil {
		t.Fatalf("GenerateQuestion failed: %v", err)
	}
	if gotMethod != methodGenerateQuestion {
		t.Errorf("unexpected method %q", gotMethod)
	}
	if gotTopic != "loops" {
		t.Errorf("unexpected topic %v", gotTopic)
	}
	if q.Text != "Why do loops need an exit condition?" || q.ReferenceAnswer != "to terminate" {
		t.Errorf("unexpected question %+v", q)
	}
}

func TestEvaluateAnswerOverGRPC(t *testing.T) {
	t.Parallel()

	client := startFakeAgent(t, func(_ string, req map[string]any, stream grpc.ServerStream) error {
		correct := req["answer"] == "to terminate"
		return reply(t, stream, map[string]any{"correct": correct, "feedback": "ok", "hint": "exit"})
	})

	eval, err := client.EvaluateAnswer(context.Background(), EvaluationRequest{Topic: "loops", Question: "q", Answer: "to terminate"})
	if err != nil {
		t.Fatalf("EvaluateAnswer failed: %v", err)
	}
	if !eval.Correct || eval.Hint != "exit" {
		t.Errorf("unexpected evaluation %+v", eval)
	}
}

func TestInvokeErrorIsReturned(t *testing.T) {
	t.Parallel()

	client := startFakeAgent(t, func(string, map[string]any, grpc.ServerStream) error {
		return status.Error(codes.Unavailable, "model overloaded")
	})

	if _, err := client.EvaluateAnswer(context.Background(), EvaluationRequest{Answer: "x"}); err == nil {
		t.Fatal("expected error from failing agent")
	}
}

func TestRemediateNewQuestionForm(t *testing.T) {
	t.Parallel()

	var depth any
	client := startFakeAgent(t, func(_ string, req map[string]any, stream grpc.ServerStream) error {
		depth = req["depth"]
		return reply(t, stream, map[string]any{
			"explanation":  "A loop runs the same steps again.",
			"new_question": map[string]any{"question": "What does a loop repeat?"},
		})
	})
	svc := NewServiceWithProcessor(client, nil)

	rem, err := svc.Remediate(context.Background(), session.RemediationRequest{Topic: "loops", Question: "q", WrongAnswer: "w", Depth: 2})
	if err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}
	if depth != float64(2) {
		t.Errorf("expected depth 2 on the wire, got %v", depth)
	}
	if len(rem.Questions) != 1 || rem.Questions[0].Text != "What does a loop repeat?" {
		t.Errorf("unexpected remediation %+v", rem)
	}
}

func TestClarifyStreamIsConcatenated(t *testing.T) {
	t.Parallel()

	var historyLen int
	client := startFakeAgent(t, func(method string, req map[string]any, stream grpc.ServerStream) error {
		if method != methodClarify {
			return status.Errorf(codes.Unimplemented, "unexpected %s", method)
		}
		if h, ok := req["history"].([]any); ok {
			historyLen = len(h)
		}
		for _, chunk := range []map[string]any{
			{"content": "Think of "},
			{"content": "a loop as a lap."},
			{"content": "", "ready_to_retry": true},
		} {
			if err := reply(t, stream, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	svc := NewServiceWithProcessor(client, nil)

	got, err := svc.Clarify(context.Background(), session.ClarifyRequest{
		Topic:   "loops",
		History: []domain.ChatMessage{{Role: domain.RoleUser, Content: "help"}},
	})
	if err != nil {
		t.Fatalf("Clarify failed: %v", err)
	}
	if got.Message != "Think of a loop as a lap." || !got.ReadyToRetry {
		t.Errorf("unexpected reply %+v", got)
	}
	if historyLen != 1 {
		t.Errorf("expected 1 history entry on the wire, got %d", historyLen)
	}
}

func TestClarifyStreamErrorChunk(t *testing.T) {
	t.Parallel()

	client := startFakeAgent(t, func(_ string, _ map[string]any, stream grpc.ServerStream) error {
		if err := reply(t, stream, map[string]any{"content": "partial"}); err != nil {
			return err
		}
		return reply(t, stream, map[string]any{"error": "context window exceeded"})
	})

	_, err := collectClarify(client.Clarify(context.Background(), ClarifyRequest{Topic: "loops"}))
	if err == nil {
		t.Fatal("expected error chunk to fail the reply")
	}
}

func TestTranscriptJobOverGRPC(t *testing.T) {
	t.Parallel()

	client := startFakeAgent(t, func(method string, req map[string]any, stream grpc.ServerStream) error {
		switch method {
		case methodFetchTranscript:
			return reply(t, stream, map[string]any{"status": "processing", "job_id": "job-" + req["chapter_id"].(string)})
		case methodGetTranscriptJob:
			return reply(t, stream, map[string]any{
				"status":   "ready",
				"segments": []any{map[string]any{"start": 1.5, "text": "hello"}},
			})
		}
		return status.Errorf(codes.Unimplemented, "unexpected %s", method)
	})

	res, err := client.FetchTranscript(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("FetchTranscript failed: %v", err)
	}
	if res.Status != domain.TranscriptProcessing || res.JobID != "job-ch-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = client.TranscriptJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("TranscriptJob failed: %v", err)
	}
	if res.Status != domain.TranscriptReady || len(res.Segments) != 1 || res.Segments[0].Start != 1.5 {
		t.Errorf("unexpected job result %+v", res)
	}
}
