package updater

import (
	"github.com/autopeer-io/otaupdater/internal/updater/storage"
)

// Status is the snapshot served on /status.
type Status struct {
	DeviceID         string         `json:"deviceId"`
	Ready            bool           `json:"ready"`
	Link             string         `json:"link,omitempty"`
	Address          string         `json:"address,omitempty"`
	RunningPartition string         `json:"runningPartition,omitempty"`
	BootPartition    string         `json:"bootPartition,omitempty"`
	Session          *SessionStatus `json:"session,omitempty"`
	Storage          *storage.Info  `json:"storage,omitempty"`
}

type SessionStatus struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Partition    string `json:"partition,omitempty"`
	BytesWritten int64  `json:"bytesWritten"`
	Error        string `json:"error,omitempty"`
}

// Status returns the current snapshot.
func (u *Updater) Status() any {
	return u.snapshot()
}

func (u *Updater) snapshot() Status {
	u.mu.Lock()
	st := Status{
		DeviceID: u.hal.DeviceID(),
		Ready:    u.ready,
		Link:     string(u.link),
		Address:  u.addr,
		Storage:  u.storageInfo,
	}
	s := u.session
	u.mu.Unlock()

	if st.Ready {
		if p, err := u.hal.RunningPartition(); err == nil {
			st.RunningPartition = p.Label
		}
		if p, err := u.hal.BootPartition(); err == nil {
			st.BootPartition = p.Label
		}
	}

	if s != nil {
		ss := &SessionStatus{
			ID:           s.ID(),
			State:        string(s.State()),
			Partition:    s.Partition().Label,
			BytesWritten: s.BytesWritten(),
		}
		if err := s.Err(); err != nil {
			ss.Error = err.Error()
		}
		st.Session = ss
	}
	return st
}
