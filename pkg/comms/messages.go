package comms

type StatusRequest struct{}

// QueueStatus is the manager's view of its participant. Position is 0 when
// the participant is not waiting.
type QueueStatus struct {
	ClientID             string `json:"clientId"`
	State                string `json:"state"`
	IsFront              bool   `json:"isFront"`
	Position             int    `json:"position"`
	ActiveCount          int    `json:"activeCount"`
	WaitingCount         int    `json:"waitingCount"`
	EstimatedWaitSeconds int64  `json:"estimatedWaitSeconds"`
}

type ShutdownRequest struct{}

type ShutdownResponse struct{}
