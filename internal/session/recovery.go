package session

import (
	"syscall"
	"time"

	"github.com/witness-protocol/core/internal/uploadqueue"
	"github.com/witness-protocol/core/internal/witnesserr"
)

// storagePressureThreshold is the usage/quota ratio above which storage
// pressure is surfaced as a high-priority warning (spec §4.10).
const storagePressureThreshold = 0.8

// PendingSummary describes one recoverable session found on startup.
type PendingSummary struct {
	SessionID string
	Status    Status
	Pending   int
	Uploaded  int
	Failed    int
	// Missing lists chunk indices not yet confirmed uploaded (pending or
	// failed), read off a ChunkBitmap built from the upload queue.
	Missing []int
}

// StoragePressure reports local disk usage against the configured quota.
type StoragePressure struct {
	UsageBytes   uint64
	QuotaBytes   uint64
	Ratio        float64
	AboveThreshold bool
}

// Recovery reconciles durable SessionRecords with the upload queue on
// startup, per spec §4.10.
type Recovery struct {
	records *Store
	queue   *uploadqueue.Queue
}

// NewRecovery builds a Recovery pass over records/queue.
func NewRecovery(records *Store, queue *uploadqueue.Queue) *Recovery {
	return &Recovery{records: records, queue: queue}
}

// Scan queries durable SessionRecords with status in {recording, uploading}
// and summarizes each one's pending/uploaded/failed task counts.
func (r *Recovery) Scan() ([]PendingSummary, error) {
	var out []PendingSummary
	for _, status := range []Status{StatusRecording, StatusUploading} {
		recs, err := r.records.ListByStatus(status)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			pending, uploaded, failed, missing := r.taskCounts(rec.SessionID, rec.ChunkCount)
			out = append(out, PendingSummary{
				SessionID: rec.SessionID,
				Status:    rec.Status,
				Pending:   pending,
				Uploaded:  uploaded,
				Failed:    failed,
				Missing:   missing,
			})
		}
	}
	return out, nil
}

// taskCounts builds a ChunkBitmap from the upload queue's per-chunk state so
// "N of M chunks durable" (spec §4.10) is read off the bitmap's Progress
// rather than re-deriving a running total by hand on every scan; indices the
// bitmap reports Missing are then split into pending vs. failed using the
// queue's per-item status.
func (r *Recovery) taskCounts(sessionID string, chunkCount int) (pending, uploaded, failed int, missing []int) {
	bitmap := NewChunkBitmap(chunkCount)
	failedIdx := make(map[int]bool)
	for i := 0; i < chunkCount; i++ {
		item, err := r.queue.Item(sessionID, uint32(i), uploadqueue.KindChunkUpload)
		if err != nil {
			continue
		}
		switch item.Status {
		case uploadqueue.StatusUploaded:
			bitmap.MarkUploaded(i)
		case uploadqueue.StatusFailed:
			failedIdx[i] = true
		}
	}
	uploaded, _ = bitmap.Progress()
	for _, i := range bitmap.Missing(chunkCount) {
		if failedIdx[i] {
			failed++
		} else {
			pending++
		}
		missing = append(missing, i)
	}
	return
}

// Resume flips a session's status to uploading, resets every failed task
// to pending with a fresh retry count, and lets the worker loop pick them
// back up.
func (r *Recovery) Resume(sessionID string) error {
	rec, err := r.records.Load(sessionID)
	if err != nil {
		return err
	}
	rec.Status = StatusUploading
	if err := r.records.Save(*rec); err != nil {
		return err
	}
	return r.queue.ResetFailed(sessionID)
}

// Discard purges pending upload rows for the session and marks it complete,
// stamping CompletedAt. The durable record has no separate discard
// timestamp or marker, so a discarded session reads the same as one that
// completed normally.
func (r *Recovery) Discard(sessionID string) error {
	rec, err := r.records.Load(sessionID)
	if err != nil {
		return err
	}
	if err := r.queue.PurgePending(sessionID); err != nil {
		return err
	}
	now := time.Now()
	rec.Status = StatusComplete
	rec.CompletedAt = &now
	return r.records.Save(*rec)
}

// StatusOf reports current local disk pressure against quotaBytes for the
// filesystem containing path.
func StatusOf(path string, quotaBytes uint64) (StoragePressure, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return StoragePressure{}, witnesserr.Wrap(witnesserr.CategoryStorage, err, "statfs")
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	usage := total - free
	if quotaBytes == 0 {
		quotaBytes = total
	}
	ratio := float64(usage) / float64(quotaBytes)
	return StoragePressure{
		UsageBytes:     usage,
		QuotaBytes:     quotaBytes,
		Ratio:          ratio,
		AboveThreshold: ratio >= storagePressureThreshold,
	}, nil
}
