package models

// BatchProgress is the aggregate state of one fan-out request.
type BatchProgress struct {
	InitialTotal int64 `json:"initial_total"`
	Total        int64 `json:"total"`
	Completed    int64 `json:"completed"`
	Errors       int64 `json:"errors"`
	Enqueued     int64 `json:"enqueued"`
}

// IsFinished reports whether every child of the batch has been enqueued and accounted
// for. Enqueued is compared with InitialTotal, which never moves, so a child removed from
// Total before the fan-out ends cannot make the batch look finished early.
func (p BatchProgress) IsFinished() bool {
	return p.Enqueued >= p.InitialTotal && p.Completed+p.Errors >= p.Enqueued
}
