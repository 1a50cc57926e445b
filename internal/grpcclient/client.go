package grpcclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/logging"
	"github.com/example/cropsense/internal/prediction"
)

const (
	// PredictMethod takes the raw image as google.protobuf.BytesValue and
	// answers with a google.protobuf.Struct {crop, disease, confidence}.
	PredictMethod = "/cropsense.v1.Predictor/Predict"

	// Timeout bounds connection establishment and each call.
	Timeout = 60 * time.Second

	maxMessageSize = 32 << 20
)

// DialPredictor returns a prediction client speaking gRPC to addr. The
// connection is established lazily, so an unreachable backend surfaces as
// a transport failure on the first submission.
func DialPredictor(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: Timeout}),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageSize)),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.Wrap("grpcclient.dial_predictor", "", err)
		logger.Error("failed to dial predictor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &Client{conn: conn, logger: logger.Named("grpc_predictor"), timeout: Timeout}, conn, nil
}

// Client implements prediction.Client over a gRPC connection.
type Client struct {
	conn    grpc.ClientConnInterface
	logger  *zap.Logger
	timeout time.Duration
}

var _ prediction.Client = (*Client)(nil)

func (c *Client) Predict(ctx context.Context, payload *encoder.Payload) (*prediction.Result, error) {
	image, err := readImage(payload)
	if err != nil {
		return nil, &encoder.EncodeError{Name: payload.FileName, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		"x-filename", payload.FileName,
		"x-content-type", payload.PartContentType,
		"x-seq", strconv.FormatUint(payload.Seq, 10),
	)

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(image), resp); err != nil {
		clientErr := classify(err)
		c.logger.Warn("predict call failed",
			zap.Error(err),
			zap.String("kind", string(clientErr.Kind)),
			zap.Uint64("seq", payload.Seq))
		return nil, clientErr
	}
	return decodeStruct(resp)
}

func readImage(payload *encoder.Payload) ([]byte, error) {
	r, err := payload.OpenImage()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decodeStruct(resp *structpb.Struct) (*prediction.Result, error) {
	fields := resp.GetFields()
	crop, okCrop := fields["crop"].GetKind().(*structpb.Value_StringValue)
	disease, okDisease := fields["disease"].GetKind().(*structpb.Value_StringValue)
	confidence, okConf := fields["confidence"].GetKind().(*structpb.Value_NumberValue)
	if !okCrop || !okDisease || !okConf {
		return nil, &prediction.ClientError{Kind: prediction.KindDecode, Detail: resp.String()}
	}
	return prediction.New(crop.StringValue, disease.StringValue, confidence.NumberValue)
}

func classify(err error) *prediction.ClientError {
	st, ok := status.FromError(err)
	if !ok {
		return &prediction.ClientError{Kind: prediction.KindTransport, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &prediction.ClientError{Kind: prediction.KindTransport, Err: err}
	}
	return &prediction.ClientError{
		Kind:       prediction.KindHTTP,
		StatusCode: httpStatus(st.Code()),
		Detail:     st.Message(),
	}
}

// httpStatus follows the usual gRPC to HTTP status mapping.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
