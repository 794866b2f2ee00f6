// Package capture defines the CaptureAdapter boundary (spec §6): the media
// device driver producing a stream of raw blobs during a recording session.
// Its implementation lives outside this module; here we specify the
// contract SessionManager drives.
package capture

import "context"

// DataEvent is one emitted raw blob, paired with the capture-side metadata
// the adapter collected for it (spec §4.9 metadata{capturedAt?, location?}).
type DataEvent struct {
	Blob         []byte
	DurationMs   uint64
	CapturedAtMs uint64 // 0 means "use wall-clock time of receipt"
	Location     string
}

// Adapter is the CaptureAdapter contract. Data delivers a channel of
// DataEvents in capture order; it is closed when the device stops
// producing, whether from a clean Stop or a device error. Errs delivers
// device-level failures (e.g. permission revoked mid-capture) that should
// trigger SessionManager.mark_interrupted.
type Adapter interface {
	Start(ctx context.Context) (data <-chan DataEvent, errs <-chan error, err error)
	Stop() error
}
