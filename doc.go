// Package upload provides a high-level Go module for resumable cloud drive
// uploads. It manages an ordered transfer queue and drives single-shot and
// chunked transfers against a drive API while maintaining flexibility for
// advanced use cases.
//
// The module emphasizes developer experience through simple APIs while
// maintaining robustness through intelligent defaults for concurrency,
// retries, and session resumption.
//
// Key features:
//   - Ordered queue with fair scheduling and per-item controls
//   - Automatic chunked transfer for large files
//   - Resumable sessions that survive pause, failure, and restart
//   - Bounded concurrency at both the item and the part level
//   - Per-part retries with exponential backoff and jitter
//   - Remote folder tree creation for directory uploads
//
// Example usage:
//
//	engine, err := upload.New(api)
//	if err != nil {
//	    return err
//	}
//
//	// Queue a file and start processing
//	id, err := engine.Enqueue(ctx, src, uploadtypes.Destination{FolderID: "root"})
//	if err != nil {
//	    return err
//	}
//	engine.ProcessQueue(ctx)
package upload
