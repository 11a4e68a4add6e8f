package recorder

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"tunerd/internal/jsonstore"
	"tunerd/internal/reserve"
	"tunerd/internal/tuner"
)

// State is the lifecycle phase of one recording session.
type State string

const (
	StatePreparing State = "PREPARING"
	StateRecording State = "RECORDING"
	StateFinishing State = "FINISHING"
)

// Session is the transient lifecycle record for a reservation once it
// is due. Exported fields are persisted to the recording store so
// external tooling can see what is in flight.
type Session struct {
	reserve.Reservation

	State     State  `json:"state"`
	TunerName string `json:"tuner,omitempty"`
	Recorded  string `json:"recorded,omitempty"`
	Command   string `json:"command,omitempty"`
	PID       int    `json:"pid,omitempty"`

	tuner     *tuner.Tuner
	timer     *time.Timer
	cmd       *exec.Cmd
	out       *os.File
	isSigTerm bool

	finalizeOnce sync.Once
}

// RecordedEntry is one completed session in the recorded store.
type RecordedEntry struct {
	reserve.Reservation
	Recorded string `json:"recorded,omitempty"`
}

// LoadRecorded reads the recorded store; missing file means nothing
// recorded yet.
func LoadRecorded(path string) ([]*RecordedEntry, error) {
	return jsonstore.LoadOr[[]*RecordedEntry](path, nil)
}

// ParseRecorded strictly decodes a recorded store document.
func ParseRecorded(b []byte) ([]*RecordedEntry, error) {
	var list []*RecordedEntry
	if err := jsonstore.Decode(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SaveRecorded atomically replaces the recorded store.
func SaveRecorded(path string, list []*RecordedEntry) error {
	if list == nil {
		list = []*RecordedEntry{}
	}
	return jsonstore.Save(path, list)
}
