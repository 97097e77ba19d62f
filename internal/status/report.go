package status

// Report is the aggregate daemon status served over the control socket.
type Report struct {
	Profile        string         `json:"profile"`
	PID            int            `json:"pid"`
	SyncState      State          `json:"sync_state"`
	Reachable      bool           `json:"reachable"`
	PendingPush    map[string]int `json:"pending_push"`
	ActiveStreams  int            `json:"active_streams"`
	LastCycleStart int64          `json:"last_cycle_start,omitempty"`
	LastCycleEnd   int64          `json:"last_cycle_end,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}
