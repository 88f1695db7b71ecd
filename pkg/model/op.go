package model

// Stage tracks progress of a single peer mutation.
type Stage string

const (
	StageRequested       Stage = "requested"
	StageAddressResolved Stage = "address_resolved"
	StageConfigWritten   Stage = "config_written"
	StageRecordsWritten  Stage = "records_written"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// OpResult is the structured outcome of an add/remove/sync operation.
// FailedAt records the last stage reached before the failure; Warnings
// carry non-fatal record-store degradations.
type OpResult struct {
	Name     string   `json:"name"`
	Address  string   `json:"address,omitempty"`
	Stage    Stage    `json:"stage"`
	FailedAt Stage    `json:"failedAt,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Ok reports whether the operation ran to completion.
func (r OpResult) Ok() bool { return r.Stage == StageDone }
