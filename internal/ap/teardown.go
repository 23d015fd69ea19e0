package ap

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// record identifies the remote state created by the most recent
// successful bring-up of a mode: the registered profile and its active
// connection. Reversal means deactivating Active, then deleting
// Profile, in that order.
type record struct {
	Profile dbus.ObjectPath
	Active  dbus.ObjectPath
}

// holder keeps at most one reversal record per mode. take returns the
// record and clears it in one step, so a reversal can never run twice
// no matter how its execution ends.
type holder struct {
	mu  sync.Mutex
	rec *record
}

// register replaces the held record. It does not reverse the previous
// one; callers take and reverse first when that is wanted.
func (h *holder) register(rec record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec = &rec
}

// take removes and returns the held record. The second value is false
// when the mode is idle.
func (h *holder) take() (record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec == nil {
		return record{}, false
	}
	rec := *h.rec
	h.rec = nil
	return rec, true
}
