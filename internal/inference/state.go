package inference

import "time"

// ModelType names one of the two external model-server child processes.
type ModelType string

const (
	ModelEmbedding  ModelType = "embedding"
	ModelCompletion ModelType = "completion"
)

// State is one of the five states a model-server process can be in.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateStopping State = "stopping"
)

// ServiceState is the record C1 stores per model type so every process can
// observe the same view (spec §3). The Supervisor is the sole writer; other
// processes read a mirrored copy through the Shared Cache.
type ServiceState struct {
	State             State     `json:"state"`
	PID               int       `json:"pid"`
	UsageCount        int       `json:"usage_count"`
	ShutdownScheduled bool      `json:"shutdown_scheduled"`
	LastUsedAt        time.Time `json:"last_used_at"`
}

func (s ServiceState) alive() bool { return s.PID != 0 }
