package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionStarted logs the beginning of a recording session.
func (l *Logger) SessionStarted(sessionID string, groupIDs []string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Strs("group_ids", groupIDs).
		Msg("recording session started")
}

// ChunkUploaded logs a chunk landing on the object store.
func (l *Logger) ChunkUploaded(sessionID string, chunkIndex int, size int, cid string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Int("size", size).
		Str("cid", cid).
		Msg("chunk uploaded")
}

// SessionProgress logs incremental session progress.
func (l *Logger) SessionProgress(sessionID string, chunksUploaded int, elapsed time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("chunks_uploaded", chunksUploaded).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("session progress")
}

// SessionCompleted logs a session reaching its complete terminal state.
func (l *Logger) SessionCompleted(sessionID string, totalChunks int, duration time.Duration, merkleRoot string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Str("merkle_root", merkleRoot).
		Msg("session completed")
}

// ChunkDecryptFailed logs chunk decryption failure.
func (l *Logger) ChunkDecryptFailed(sessionID string, chunkIndex int, errorCode string, errorMsg string, retryCount int) {
	l.logger.Error().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("error_code", errorCode).
		Str("error_message", errorMsg).
		Int("retry_count", retryCount).
		Msg("chunk decryption failed")
}

// AnchorConfirmed logs a successful ledger anchor for a session update.
func (l *Logger) AnchorConfirmed(sessionID string, txHash string, chunkCount int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("tx_hash", txHash).
		Int("chunk_count", chunkCount).
		Msg("session anchored on ledger")
}

// AnchorFailed logs an anchor attempt that did not confirm in time; the
// session continues, and the next anchor attempt supersedes this one.
func (l *Logger) AnchorFailed(sessionID string, err error) {
	l.logger.Error().
		Str("session_id", sessionID).
		Err(err).
		Msg("anchor failed, will retry on next chunk")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
