package models

// RemoteEntityStatus is the last known status of a driver.
type RemoteEntityStatus struct {
	DriverID    string `json:"driverId"`
	IsOnline    bool   `json:"isOnline"`
	IsAvailable bool   `json:"isAvailable"`
	Status      string `json:"status,omitempty"` // Free-form shift status ("active", "paused", ...)
	Timestamp   int64  `json:"timestamp"`
}

// StatusUpdate is the partial status a driver sends with driver:status_update.
// Omitted fields are filled by the server with IsOnline=true, IsAvailable=true.
type StatusUpdate struct {
	IsOnline    *bool   `json:"isOnline,omitempty"`
	IsAvailable *bool   `json:"isAvailable,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// WithDefaults resolves a partial update into a full status for driverID.
func (s StatusUpdate) WithDefaults(driverID string, ts int64) RemoteEntityStatus {
	st := RemoteEntityStatus{DriverID: driverID, IsOnline: true, IsAvailable: true, Timestamp: ts}
	if s.IsOnline != nil {
		st.IsOnline = *s.IsOnline
	}
	if s.IsAvailable != nil {
		st.IsAvailable = *s.IsAvailable
	}
	if s.Status != nil {
		st.Status = *s.Status
	}
	return st
}
