package workflow

import (
	"time"

	"github.com/cjeanneret/docscan/internal/imagestore"
)

// State is the step a job is in.
type State int

const (
	Idle State = iota
	Saving
	Uploading
	Processing
	Downloading
	Opening
	Cleaning
)

var stateNames = [...]string{
	Idle:        "idle",
	Saving:      "saving",
	Uploading:   "uploading",
	Processing:  "processing",
	Downloading: "downloading",
	Opening:     "opening",
	Cleaning:    "cleaning",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Mode is what the page shows: the scan button or the progress indicator.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeWorking Mode = "working"
)

// Mode returns ModeWorking from Saving through Downloading. The page goes back
// to idle as soon as the result is handed to the viewer.
func (s State) Mode() Mode {
	if s >= Saving && s <= Downloading {
		return ModeWorking
	}
	return ModeIdle
}

// Outcomes recorded in the job history.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Job is one capture travelling through the pipeline. The keys are the
// values threaded through every call; ID only correlates logs and history.
type Job struct {
	ID           string
	CaptureKey   string
	ResultKey    string
	LocalCapture imagestore.LocalFile
	LocalResult  imagestore.LocalFile
	State        State
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
}

// Outcome returns OutcomeSucceeded or OutcomeFailed.
func (j Job) Outcome() string {
	if j.Err != nil {
		return OutcomeFailed
	}
	return OutcomeSucceeded
}

// Observer is told about every state change and about the end of each job.
// Calls are synchronous and must not block.
type Observer interface {
	StateChanged(job Job, state State)
	JobFinished(job Job)
}
