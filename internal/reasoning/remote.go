package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote service methods. Requests and replies are google.protobuf.Struct.
const (
	MethodPropose = "/opsiq.reasoning.v1.Reasoner/ProposeMemoryDeltas"
	MethodAdvice  = "/opsiq.reasoning.v1.Reasoner/CalibrationAdvice"
)

// #region client-struct
// Invoker is the unary call surface of a gRPC connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Remote reaches a reasoning service over gRPC.
type Remote struct {
	conn    *grpc.ClientConn
	invoker Invoker
}
// #endregion client-struct

// #region constructor
// NewRemote connects to the reasoning service at addr.
func NewRemote(addr string) (*Remote, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Remote{conn: conn, invoker: conn}, nil
}

// NewRemoteWithInvoker creates a Remote over an injected invoker.
// Used for testing without a real gRPC connection.
func NewRemoteWithInvoker(inv Invoker) *Remote {
	return &Remote{invoker: inv}
}

func (r *Remote) Name() string { return ProviderGRPC }

// Close shuts down the gRPC connection.
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
// #endregion constructor

// #region calls
// ProposeMemoryDeltas calls the remote planner.
func (r *Remote) ProposeMemoryDeltas(ctx context.Context, judgments []update.Judgment, snap anomaly.Snapshot) (update.Proposal, error) {
	var resp proposeResponse
	if err := r.call(ctx, MethodPropose, proposeRequest{Judgments: judgments, Calibration: viewOf(snap)}, &resp); err != nil {
		return update.Proposal{}, err
	}
	return toProposal(resp, judgments, snap)
}

// CalibrationAdvice calls the remote advisor.
func (r *Remote) CalibrationAdvice(ctx context.Context, in eval.AdviceInput) ([]string, error) {
	var resp adviceResponse
	if err := r.call(ctx, MethodAdvice, adviceRequest{Evaluation: in.Evaluation, Calibration: viewOf(in.Snapshot)}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Advice) == 0 {
		return nil, fmt.Errorf("%w: empty advice", anomaly.ErrReasoningUnavailable)
	}
	return resp.Advice, nil
}

func (r *Remote) call(ctx context.Context, method string, payload, out any) error {
	req, err := toStruct(payload)
	if err != nil {
		return err
	}
	reply := &structpb.Struct{}
	if err := r.invoker.Invoke(ctx, method, req, reply); err != nil {
		return fmt.Errorf("%w: %s rpc: %w", anomaly.ErrReasoningUnavailable, method, err)
	}
	raw, err := json.Marshal(reply.AsMap())
	if err != nil {
		return fmt.Errorf("%w: encode reply: %w", anomaly.ErrReasoningUnavailable, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode reply: %w", anomaly.ErrReasoningUnavailable, err)
	}
	return nil
}

// toStruct converts a JSON-tagged value into a Struct via its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return s, nil
}
// #endregion calls
