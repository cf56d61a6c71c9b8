package queue

// Redis key layout for the broker-backed queue.
// Format: modelprobe:detect:{resource}
const (
	keyWaiting          = "modelprobe:detect:waiting"
	keyActive           = "modelprobe:detect:active"
	keyActiveClaims     = "modelprobe:detect:active:claims"
	keyDelayed          = "modelprobe:detect:delayed"
	keyCompleted        = "modelprobe:detect:completed"
	keyFailed           = "modelprobe:detect:failed"
	keyCompletedHistory = "modelprobe:detect:completed:history"
	keyFailedHistory    = "modelprobe:detect:failed:history"
	keyStopped          = "modelprobe:detect:stopped"

	// AdmissionKeyPattern matches the admission controller's counter keys;
	// StopAndDrain deletes them so a stopped run cannot wedge future ones.
	AdmissionKeyPattern = "modelprobe:admission:*"
)
