package logging

// --- Transport event logging ---
// Called by channels and the session router at lifecycle edges.

// ChannelOpened logs a channel reaching the open state.
func (l *Logger) ChannelOpened(kind, target string) {
	fields := map[string]interface{}{"kind": kind}
	if target != "" {
		fields["target"] = target
	}
	l.Info("channel_opened", fields)
}

// ChannelClosed logs a channel reaching the closed state.
// A nil reason means the local side closed it.
func (l *Logger) ChannelClosed(kind string, reason error) {
	fields := map[string]interface{}{"kind": kind}
	if reason != nil {
		fields["reason"] = reason.Error()
		l.Warn("channel_closed", fields)
		return
	}
	l.Info("channel_closed", fields)
}

// FramingError logs inbound data that could not be parsed.
func (l *Logger) FramingError(kind string, err error) {
	l.Warn("framing_error", map[string]interface{}{
		"kind":  kind,
		"error": err.Error(),
	})
}

// SessionOpened logs a new SSE session.
func (l *Logger) SessionOpened(id string) {
	l.Info("session_opened", map[string]interface{}{
		"session_id": id,
	})
}

// SessionClosed logs SSE session teardown.
func (l *Logger) SessionClosed(id string, reason error) {
	fields := map[string]interface{}{"session_id": id}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	l.Info("session_closed", fields)
}

// PeerDiagnostic logs one line a subprocess wrote to its stderr.
func (l *Logger) PeerDiagnostic(kind, line string) {
	l.Debug("peer_stderr", map[string]interface{}{
		"kind": kind,
		"line": line,
	})
}
