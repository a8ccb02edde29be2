package telemetry

import "log/slog"

// SlogSink emits one structured log line per event, in the teacher's
// idiom of logging decisions inline at the point they happen rather than
// batching.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink builds a SlogSink writing through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(e Event) {
	attrs := []any{
		"kind", e.Kind,
		"upstream", e.UpstreamID,
		"tool", e.ToolName,
		"principal", e.Principal,
	}
	if e.Duration > 0 {
		attrs = append(attrs, "duration_ms", e.Duration.Milliseconds())
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}

	if e.Err != nil {
		attrs = append(attrs, "error", e.Err.Error())
		s.logger.Warn("proxy event", attrs...)
		return
	}
	s.logger.Info("proxy event", attrs...)
}
