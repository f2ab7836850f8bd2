package datarecording

import "sync"

// EventLog adapts a DataRecorder to the mapping engine's recorder
// interface. Tables are created lazily from the first entry recorded
// into them.
type EventLog struct {
	mu       sync.Mutex
	recorder DataRecorder
	created  map[string]bool
}

// NewEventLog creates an event log on top of a recorder.
func NewEventLog(r DataRecorder) *EventLog {
	return &EventLog{
		recorder: r,
		created:  make(map[string]bool),
	}
}

// Record inserts an entry, creating the table on first use.
func (l *EventLog) Record(table string, entry any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.created[table] {
		l.recorder.CreateTable(table, entry)
		l.created[table] = true
	}
	l.recorder.InsertData(table, entry)
}

// Flush writes all buffered entries out.
func (l *EventLog) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recorder.Flush()
}
