package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/LiangMouse/fe-atlas/internal/metrics"
	"github.com/charmbracelet/log"
)

// AppendProcedure is both the connect procedure name and the HTTP path.
const AppendProcedure = "/api/internal/runtime-log"

const (
	invalidPayloadMessage = "Invalid payload"
	persistFailedMessage  = "Failed to persist runtime log"
)

type AppendResponse struct {
	OK bool `json:"ok"`
}

// Appender is the persistence side of the service.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// JSONCodec replaces connect's protobuf JSON codec so plain structs can be
// sent. A *json.RawMessage target receives the body undecoded.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

type Service struct {
	store   Appender
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewService(store Appender, logger *log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, logger: logger, metrics: m}
}

// Handler returns the mount path and the connect handler.
func (s *Service) Handler() (string, http.Handler) {
	return AppendProcedure, connect.NewUnaryHandler(
		AppendProcedure,
		s.AppendRunLog,
		connect.WithCodec(JSONCodec{}),
	)
}

func (s *Service) AppendRunLog(ctx context.Context, req *connect.Request[json.RawMessage]) (*connect.Response[AppendResponse], error) {
	rec, err := DecodeRecord(*req.Msg)
	if err != nil {
		s.metrics.ObserveLogAppend("invalid")
		s.logger.Debug("rejected run log payload", "error", err)
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New(invalidPayloadMessage))
	}
	if err := s.store.Append(ctx, rec); err != nil {
		s.metrics.ObserveLogAppend("error")
		s.logger.Error("persist run log failed", "slug", rec.Slug, "error", err)
		return nil, connect.NewError(connect.CodeInternal, errors.New(persistFailedMessage))
	}
	s.metrics.ObserveLogAppend("ok")
	return connect.NewResponse(&AppendResponse{OK: true}), nil
}
