package stats

import (
	"encoding/json"
	"os"
	"sync"

	"nestor/internal/model"
	"nestor/internal/training"
)

// Recorder collects per-epoch metrics. Each epoch is scoped to one session;
// closing the session commits the record, and when the recorder has a log
// path the record is appended to disk at that moment, so a later crash never
// loses a finished epoch.
type Recorder struct {
	mu      sync.Mutex
	logPath string
	records []model.EpochRecord
}

// NewRecorder returns an in-memory recorder. logPath is optional; when set,
// committed records are also appended there as JSON lines.
func NewRecorder(logPath string) *Recorder {
	return &Recorder{logPath: logPath}
}

func (r *Recorder) Session(namespace string, epoch int) training.Session {
	return &epochSession{
		recorder: r,
		record: model.EpochRecord{
			Namespace: namespace,
			Epoch:     epoch,
			Values:    map[string]float64{},
		},
	}
}

// Records returns the committed records in commit order.
func (r *Recorder) Records() []model.EpochRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.EpochRecord(nil), r.records...)
}

// LastValue returns the most recently committed value for a metric name.
func (r *Recorder) LastValue(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if v, ok := r.records[i].Values[name]; ok {
			return v, true
		}
	}
	return 0, false
}

func (r *Recorder) commit(record model.EpochRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	if r.logPath == "" {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return err
}

type epochSession struct {
	recorder *Recorder
	record   model.EpochRecord
	closed   bool
}

func (s *epochSession) Record(name string, value float64) {
	if s.closed {
		return
	}
	s.record.Values[name] = value
}

func (s *epochSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.recorder.commit(s.record)
}
