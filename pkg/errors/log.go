package errors

import (
	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/logging"
)

// LogHandler is a Handler that writes reports to a zap logger.
type LogHandler struct {
	// Logger receives the reports. Nil means the shared logging.L() logger.
	Logger *zap.Logger
	// Verbose attaches stack traces when they were captured.
	Verbose bool
}

func (h *LogHandler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.L().Named("errors")
}

// HandleError logs an Error. Not-found reports are warnings; everything
// else is logged at error level.
func (h *LogHandler) HandleError(err *Error) {
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.Stringer("kind", err.Kind),
		zap.Error(err.Err),
	}
	if err.Surface != 0 {
		fields = append(fields, zap.Int64("surface", err.Surface))
	}
	if err.Group != 0 {
		fields = append(fields, zap.Uint64("group", err.Group))
	}
	if err.Channel != "" {
		fields = append(fields, zap.String("channel", err.Channel))
	}
	if h.Verbose && err.StackTrace != "" {
		fields = append(fields, zap.String("stack", err.StackTrace))
	}

	if err.Kind == KindNotFound {
		h.logger().Warn("canvassync error", fields...)
		return
	}
	h.logger().Error("canvassync error", fields...)
}

// HandlePanic logs a PanicError.
func (h *LogHandler) HandlePanic(err *PanicError) {
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.Any("value", err.Value),
	}
	if h.Verbose && err.StackTrace != "" {
		fields = append(fields, zap.String("stack", err.StackTrace))
	}
	h.logger().Error("canvassync panic", fields...)
}
