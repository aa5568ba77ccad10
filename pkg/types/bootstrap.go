package types

import "time"

// BootstrapMode describes a degenerate network population.
type BootstrapMode string

const (
	BootstrapModeNormal       BootstrapMode = "normal"
	BootstrapModeNoValidators BootstrapMode = "no-validators"
	BootstrapModeNoMiners     BootstrapMode = "no-miners"
)

// BootstrapConfig is the transient plan for processing one task under a
// degenerate population. It is computed per evaluation pass and never
// persisted on the task.
type BootstrapConfig struct {
	Mode BootstrapMode `json:"mode"`

	ConvertedValidators []string `json:"converted_validators,omitempty"`
	ConvertedMiners     []string `json:"converted_miners,omitempty"`
	RemainingMiners     []string `json:"remaining_miners,omitempty"`
	RemainingValidators []string `json:"remaining_validators,omitempty"`

	// Economic escalation.
	DepositUSD            float64       `json:"deposit_usd"`
	HighValue             bool          `json:"high_value"`
	CriticalValue         bool          `json:"critical_value"`
	RequiredConfirmations int           `json:"required_confirmations"`
	SafetyDelay           time.Duration `json:"safety_delay"`

	Warnings []string `json:"warnings,omitempty"`
}
