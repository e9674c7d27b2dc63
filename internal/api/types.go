package api

// StatusResponse from GET /status
type StatusResponse struct {
	Active  bool   `json:"active"`
	Version string `json:"version,omitempty"`
}

// Instrument is a reference data record.
type Instrument struct {
	SecurityKey string            `json:"security_key"` // native key of the live feed
	Scheme      string            `json:"scheme"`       // scheme of SecurityKey
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Identifiers map[string]string `json:"identifiers"` // all known ids by scheme
}

// Tradable reports whether the instrument can be subscribed to.
func (i Instrument) Tradable() bool {
	return i.Status == "" || i.Status == "active"
}

// InstrumentResponse from GET /instruments/lookup
type InstrumentResponse struct {
	Instrument Instrument `json:"instrument"`
}

// SnapshotsResponse from GET /snapshots
type SnapshotsResponse struct {
	Snapshots map[string]map[string]any `json:"snapshots"`
}
