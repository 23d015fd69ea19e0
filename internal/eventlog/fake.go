package eventlog

import "sync"

// Entry is one recorded event.
type Entry struct {
	Message string
	Fields  map[string]string
}

// FakeLog records events in memory for assertions in tests.
type FakeLog struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

var _ Log = (*FakeLog)(nil)

// NewFakeLog creates a FakeLog.
func NewFakeLog() *FakeLog {
	return &FakeLog{}
}

func (f *FakeLog) Emit(message string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, Entry{Message: message, Fields: cloneFields(fields)})
	return nil
}

func (f *FakeLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Entries returns a snapshot of everything emitted so far.
func (f *FakeLog) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

// ByEvent returns the recorded entries carrying the given event kind.
func (f *FakeLog) ByEvent(kind string) []Entry {
	var out []Entry
	for _, e := range f.Entries() {
		if e.Fields[FieldEvent] == kind {
			out = append(out, e)
		}
	}
	return out
}
