package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	Allowed = "allowed"
	Denied  = "denied"
	Failed  = "failed"
)

// Logger provides structured audit logging for security-relevant events:
// logins, socket handshakes, permission checks, upload commits and
// destructive file operations.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	if result == Allowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogAuth logs an authentication event.
// method: "password", "bearer" or "socket_key"
// userID may be empty for failed attempts.
func (l *Logger) LogAuth(userID, method, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("user_id", userID).
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Authentication event")
}

// LogSocket logs a websocket handshake.
// kind: "client", "upload" or "thumbnail"
func (l *Logger) LogSocket(kind, connID, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "socket").
		Str("kind", kind).
		Str("conn_id", connID).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Socket event")
}

// LogFileOp logs a file or folder mutation.
// operation: e.g. "create_folder", "delete_file", "rename_folder"
// target is the new location for renames, empty otherwise.
func (l *Logger) LogFileOp(userID, operation, path, target, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "file_operation").
		Str("user_id", userID).
		Str("operation", operation).
		Str("path", path).
		Str("result", result)

	if target != "" {
		event = event.Str("target", target)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("File operation")
}

// LogUpload logs the outcome of an upload attempt.
func (l *Logger) LogUpload(userID, uploadID, path, name, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "upload").
		Str("user_id", userID).
		Str("upload_id", uploadID).
		Str("path", path).
		Str("name", name).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Upload event")
}

// LogUserMgmt logs a user management event.
// actorID is empty when the action came from the command line.
func (l *Logger) LogUserMgmt(actorID, action, targetUserID, details string) {
	l.logger.Info().
		Str("event_type", "user_management").
		Str("actor_id", actorID).
		Str("action", action).
		Str("target_user_id", targetUserID).
		Str("details", details).
		Msg("User management event")
}
