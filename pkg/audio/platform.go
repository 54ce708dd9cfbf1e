package audio

import "context"

// Source represents one open input stream on a capture device.
//
// A Source is obtained from a [Platform] and remains valid until
// [Source.Close] is called or the context used to open it is cancelled.
// The chunk channel is closed automatically when the source terminates;
// a close caused by device failure is reported by [Source.Err].
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Chunks returns the read-only channel delivering captured audio at the
	// configured cadence. The channel is closed when the source ends.
	Chunks() <-chan Chunk

	// Err reports the device error that terminated the stream, or nil after
	// a clean Close.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// Platform is the entry point for an audio device backend.
// Implementations wrap OS or driver specific capture APIs and expose the
// uniform [Source] abstraction. The interfaces are intentionally narrow to
// keep the capture loop decoupled from device details.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// OpenMicrophone opens the configured microphone device. The supplied
	// ctx governs the lifetime of the open attempt only; once open, the
	// Source remains alive until [Source.Close].
	OpenMicrophone(ctx context.Context, cfg Config) (Source, error)

	// OpenLoopback opens a loopback capture of the default output device.
	OpenLoopback(ctx context.Context, cfg Config) (Source, error)
}
