package upload

import (
	"time"
)

// Status is the lifecycle state of an upload task.
type Status string

// Task statuses. pending → uploading → completed | error.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Strategy is the transfer protocol chosen for a task.
type Strategy string

// Upload strategies.
const (
	StrategyDirect    Strategy = "direct"
	StrategyMultipart Strategy = "multipart"
)

// Human-readable progress messages.
const (
	msgInitiating = "initiating"
	msgCompleting = "completing"
	msgCompleted  = "completed"
)

// MultipartState identifies an open remote multipart session.
type MultipartState struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
	PolicyID string `json:"policy_id"`
}

// Task is a snapshot of one upload. Speed is bytes per second and ETA is
// seconds; both are refreshed at most once per sample interval. Loaded stays
// below Total until the task completes.
type Task struct {
	ID        string
	Name      string
	Size      int64
	MimeType  string
	ParentID  string
	PolicyID  string
	Strategy  Strategy
	Status    Status
	Progress  int
	Loaded    int64
	Total     int64
	Speed     float64
	ETA       float64
	Message   string
	Error     string
	FileID    string
	Multipart *MultipartState
	StartedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusError
}

func (t Task) clone() Task {
	if t.Multipart != nil {
		m := *t.Multipart
		t.Multipart = &m
	}

	return t
}

// meter turns raw byte counts into the task's telemetry fields.
type meter struct {
	interval   time.Duration
	lastTime   time.Time
	lastLoaded int64
}

func (m *meter) start(now time.Time) {
	m.lastTime = now
	m.lastLoaded = 0
}

// observe folds a new cumulative byte count into t. Loaded never decreases
// and never reaches Total; progress stays at or below 99. Speed and ETA are
// recomputed only once the sample interval has elapsed.
func (m *meter) observe(t *Task, loaded int64, now time.Time) {
	if t.Total > 0 && loaded >= t.Total {
		loaded = t.Total - 1
	}

	if loaded < t.Loaded {
		loaded = t.Loaded
	}

	t.Loaded = loaded

	if t.Total > 0 {
		t.Progress = min(int(loaded*100/t.Total), 99)
	}

	elapsed := now.Sub(m.lastTime)
	if elapsed < m.interval || elapsed <= 0 {
		return
	}

	t.Speed = float64(loaded-m.lastLoaded) / elapsed.Seconds()

	if t.Speed > 0 {
		t.ETA = float64(t.Total-loaded) / t.Speed
	} else {
		t.ETA = 0
	}

	m.lastTime = now
	m.lastLoaded = loaded
}
