package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/state"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region helpers
func judgments() []update.Judgment {
	return []update.Judgment{
		{Seq: 3, CaseID: "CASE-DUP-1", Type: anomaly.DuplicateRefund, Verdict: anomaly.FalsePositive, Confidence: anomaly.High},
		{Seq: 7, CaseID: "CASE-MAN-1", Type: anomaly.ManualCredit, Verdict: anomaly.Reject, Confidence: anomaly.Medium},
	}
}

func deterministic() *Deterministic {
	return NewDeterministic(update.DefaultConfig(), eval.DefaultConfig())
}

type stubStrategy struct {
	proposal update.Proposal
	advice   []string
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) Close() error { return nil }

func (s *stubStrategy) wait(ctx context.Context) error {
	s.calls.Add(1)
	if s.delay == 0 {
		return s.err
	}
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubStrategy) ProposeMemoryDeltas(ctx context.Context, _ []update.Judgment, _ anomaly.Snapshot) (update.Proposal, error) {
	if err := s.wait(ctx); err != nil {
		return update.Proposal{}, err
	}
	return s.proposal, nil
}

func (s *stubStrategy) CalibrationAdvice(ctx context.Context, _ eval.AdviceInput) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.advice, nil
}

// #endregion helpers

// #region deterministic-tests
func TestDeterministicMatchesPlan(t *testing.T) {
	snap := anomaly.DefaultSnapshot()
	got, err := deterministic().ProposeMemoryDeltas(context.Background(), judgments(), snap)
	require.NoError(t, err)
	assert.Equal(t, update.Plan(judgments(), snap, update.DefaultConfig()), got)
}

func TestDeterministicAdvice(t *testing.T) {
	ev := eval.Compute(judgments(), eval.DefaultConfig())
	advice, err := deterministic().CalibrationAdvice(context.Background(), eval.AdviceInput{Evaluation: ev, Snapshot: anomaly.DefaultSnapshot()})
	require.NoError(t, err)
	assert.NotEmpty(t, advice)
}

// #endregion deterministic-tests

// #region fallback-tests
func TestFallbackEquivalence(t *testing.T) {
	snap := anomaly.DefaultSnapshot()
	want, _ := deterministic().ProposeMemoryDeltas(context.Background(), judgments(), snap)

	tests := []struct {
		name    string
		primary *stubStrategy
		opts    FallbackOptions
	}{
		{"error", &stubStrategy{err: errors.New("connection refused")}, FallbackOptions{}},
		{"timeout", &stubStrategy{delay: time.Second}, FallbackOptions{Timeout: 20 * time.Millisecond}},
		{"rate limited", &stubStrategy{}, FallbackOptions{Limiter: rate.NewLimiter(0, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fallbacks atomic.Int32
			tt.opts.OnFallback = func(string) { fallbacks.Add(1) }
			s := WithFallback(tt.primary, deterministic(), tt.opts)

			got, err := s.ProposeMemoryDeltas(context.Background(), judgments(), snap)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, int32(1), fallbacks.Load())
		})
	}
}

func TestFallbackPassesThroughSuccess(t *testing.T) {
	primary := &stubStrategy{
		proposal: update.Proposal{Source: state.SourceReasoning, Deltas: map[anomaly.Type]anomaly.Delta{
			anomaly.RefundSpike: {BiasDelta: -0.1},
		}},
		advice: []string{"lower refund_spike bias"},
	}
	s := WithFallback(primary, deterministic(), FallbackOptions{})

	p, err := s.ProposeMemoryDeltas(context.Background(), judgments(), anomaly.DefaultSnapshot())
	require.NoError(t, err)
	assert.Equal(t, state.SourceReasoning, p.Source)
	assert.InDelta(t, -0.1, p.Deltas[anomaly.RefundSpike].BiasDelta, 1e-9)

	advice, err := s.CalibrationAdvice(context.Background(), eval.AdviceInput{Snapshot: anomaly.DefaultSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, []string{"lower refund_spike bias"}, advice)
	assert.Equal(t, "stub", s.Name())
}

func TestFallbackOnEmptyAdvice(t *testing.T) {
	s := WithFallback(&stubStrategy{}, deterministic(), FallbackOptions{})
	advice, err := s.CalibrationAdvice(context.Background(), eval.AdviceInput{Snapshot: anomaly.DefaultSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, []string{"No feedback yet; baseline evaluation"}, advice)
}

// #endregion fallback-tests

// #region openai-tests
func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "json_object")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, srv *httptest.Server) *OpenAI {
	t.Helper()
	o, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: "test-model"})
	require.NoError(t, err)
	return o
}

func TestOpenAIPropose(t *testing.T) {
	srv := chatServer(t, `{"deltas":{"duplicate_refund":{"penalty_delta":0.2,"justification":"repeat false positives"}}}`, http.StatusOK)
	o := newTestOpenAI(t, srv)

	p, err := o.ProposeMemoryDeltas(context.Background(), judgments(), anomaly.DefaultSnapshot())
	require.NoError(t, err)
	assert.Equal(t, state.SourceReasoning, p.Source)
	assert.Equal(t, int64(7), p.Cursor)
	assert.InDelta(t, 0.2, p.Deltas[anomaly.DuplicateRefund].PenaltyDelta, 1e-9)
	assert.Equal(t, "repeat false positives", p.Deltas[anomaly.DuplicateRefund].Justification)
}

func TestOpenAIProposeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
		status  int
	}{
		{"not json", "raise the penalty", http.StatusOK},
		{"unknown type", `{"deltas":{"phantom":{"penalty_delta":0.1}}}`, http.StatusOK},
		{"server error", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOpenAI(t, chatServer(t, tt.content, tt.status))
			_, err := o.ProposeMemoryDeltas(context.Background(), judgments(), anomaly.DefaultSnapshot())
			assert.ErrorIs(t, err, anomaly.ErrReasoningUnavailable)
		})
	}
}

func TestOpenAIAdvice(t *testing.T) {
	srv := chatServer(t, "```json\n{\"advice\":[\"tighten duplicate_refund window\", \" \"]}\n```", http.StatusOK)
	o := newTestOpenAI(t, srv)
	advice, err := o.CalibrationAdvice(context.Background(), eval.AdviceInput{Snapshot: anomaly.DefaultSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, []string{"tighten duplicate_refund window"}, advice)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.Error(t, err)
}

// #endregion openai-tests

// #region remote-tests
type fakeInvoker struct {
	method string
	req    map[string]any
	reply  map[string]any
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct).AsMap()
	if f.err != nil {
		return f.err
	}
	s, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), s)
	return nil
}

func TestRemotePropose(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{
		"deltas": map[string]any{
			"manual_credit": map[string]any{"threshold_delta": 100.0, "justification": "rejected twice"},
		},
	}}
	r := NewRemoteWithInvoker(inv)

	p, err := r.ProposeMemoryDeltas(context.Background(), judgments(), anomaly.DefaultSnapshot())
	require.NoError(t, err)
	assert.Equal(t, MethodPropose, inv.method)
	assert.Contains(t, inv.req, "judgments")
	assert.Contains(t, inv.req, "calibration")
	assert.InDelta(t, 100, p.Deltas[anomaly.ManualCredit].ThresholdDelta, 1e-9)
	assert.Equal(t, int64(7), p.Cursor)
	assert.NoError(t, r.Close())
}

func TestRemoteAdvice(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{"advice": []any{"review tier_mismatch price book"}}}
	advice, err := NewRemoteWithInvoker(inv).CalibrationAdvice(context.Background(), eval.AdviceInput{Snapshot: anomaly.DefaultSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, MethodAdvice, inv.method)
	assert.Equal(t, []string{"review tier_mismatch price book"}, advice)
}

func TestRemoteError(t *testing.T) {
	r := NewRemoteWithInvoker(&fakeInvoker{err: errors.New("unavailable")})
	_, err := r.ProposeMemoryDeltas(context.Background(), judgments(), anomaly.DefaultSnapshot())
	assert.ErrorIs(t, err, anomaly.ErrReasoningUnavailable)
}

func TestNewRemoteLazyDial(t *testing.T) {
	r, err := NewRemote("localhost:0")
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

// #endregion remote-tests

// #region new-tests
func TestNewSelectsProvider(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(cfg, update.DefaultConfig(), eval.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, s.Name())
	_, isDet := s.(*Deterministic)
	assert.True(t, isDet)

	cfg.Provider = ProviderOpenAI
	cfg.OpenAI.APIKey = "k"
	s, err = New(cfg, update.DefaultConfig(), eval.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, s.Name())

	cfg.Provider = ProviderGRPC
	cfg.GRPC.Addr = "localhost:0"
	s, err = New(cfg, update.DefaultConfig(), eval.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderGRPC, s.Name())
	assert.NoError(t, s.Close())

	cfg.Provider = "carrier-pigeon"
	_, err = New(cfg, update.DefaultConfig(), eval.DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

// #endregion new-tests
