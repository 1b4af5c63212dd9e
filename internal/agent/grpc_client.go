package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/reflect-labs/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errClarifyResponse          = errors.New("clarify stream returned error")
)

// GrpcClient provides a gRPC client to the reflection agent service.
// Payloads are google.protobuf.Struct messages so no generated stubs are
// needed.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the reflection agent service.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("reflection agent address is empty")
	}

	// Set up keepalive parameters
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reflection agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reflection agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to reflection agent", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ready reports whether the connection is usable.
func (c *GrpcClient) Ready() bool {
	state := c.conn.GetState()
	return state == connectivity.Ready || state == connectivity.Idle
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return decode(out, resp)
}

// GenerateQuestion asks the agent for a reflection question.
func (c *GrpcClient) GenerateQuestion(ctx context.Context, req QuestionRequest) (domain.Question, error) {
	var q domain.Question
	if err := c.invoke(ctx, methodGenerateQuestion, req, &q); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

// EvaluateAnswer asks the agent to judge an answer.
func (c *GrpcClient) EvaluateAnswer(ctx context.Context, req EvaluationRequest) (domain.Evaluation, error) {
	var eval domain.Evaluation
	if err := c.invoke(ctx, methodEvaluateAnswer, req, &eval); err != nil {
		return domain.Evaluation{}, err
	}
	return eval, nil
}

// Remediate asks the agent for a simpler explanation and follow-ups.
func (c *GrpcClient) Remediate(ctx context.Context, req RemediationRequest) (RemediationResponse, error) {
	var resp RemediationResponse
	if err := c.invoke(ctx, methodRemediate, req, &resp); err != nil {
		return RemediationResponse{}, err
	}
	return resp, nil
}

// FetchTranscript requests a chapter transcript.
func (c *GrpcClient) FetchTranscript(ctx context.Context, chapterID string) (domain.TranscriptResult, error) {
	var res domain.TranscriptResult
	if err := c.invoke(ctx, methodFetchTranscript, TranscriptRequest{ChapterID: chapterID}, &res); err != nil {
		return domain.TranscriptResult{}, err
	}
	return res, nil
}

// TranscriptJob polls a transcript job.
func (c *GrpcClient) TranscriptJob(ctx context.Context, jobID string) (domain.TranscriptResult, error) {
	var res domain.TranscriptResult
	if err := c.invoke(ctx, methodGetTranscriptJob, TranscriptJobRequest{JobID: jobID}, &res); err != nil {
		return domain.TranscriptResult{}, err
	}
	return res, nil
}

// Clarify streams the assistant reply to a clarification chat.
func (c *GrpcClient) Clarify(ctx context.Context, req ClarifyRequest) iter.Seq2[*ClarifyChunk, error] {
	return func(yield func(*ClarifyChunk, error) bool) {
		in, err := encode(req)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{
			StreamName:    "Clarify",
			ServerStreams: true,
		}, methodClarify)
		if err != nil {
			yield(nil, fmt.Errorf("clarify request failed: %w", err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(nil, fmt.Errorf("clarify send failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("clarify close send failed: %w", err))
			return
		}

		for {
			out := &structpb.Struct{}
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("clarify stream error: %w", err))
				return
			}

			var chunk ClarifyChunk
			if err := decode(out, &chunk); err != nil {
				yield(nil, err)
				return
			}
			if chunk.Error != "" {
				yield(nil, fmt.Errorf("%w: %s", errClarifyResponse, chunk.Error))
				return
			}
			if !yield(&chunk, nil) {
				return
			}
		}
	}
}

// collectClarify concatenates a clarify stream into one reply.
func collectClarify(chunks iter.Seq2[*ClarifyChunk, error]) (domain.ClarifyReply, error) {
	var b strings.Builder
	var reply domain.ClarifyReply
	for chunk, err := range chunks {
		if err != nil {
			return domain.ClarifyReply{}, err
		}
		b.WriteString(chunk.Content)
		if chunk.ReadyToRetry {
			reply.ReadyToRetry = true
		}
	}
	reply.Message = b.String()
	return reply, nil
}
