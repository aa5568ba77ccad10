package types

import "time"

// ValidatorProfile is the off-chain qualification record for a validator.
// It backs the Sybil gate when no on-chain registry is configured or the
// registry is unreachable.
type ValidatorProfile struct {
	Address    string    `json:"address"`
	StakeUSD   float64   `json:"stake_usd"`
	Reputation float64   `json:"reputation"` // 0..100
	Active     bool      `json:"active"`
	Banned     bool      `json:"banned"`
	Endpoint   string    `json:"endpoint,omitempty"` // multiaddr
	UpdatedAt  time.Time `json:"updated_at"`
}

// QualificationSource names which tier resolved a qualification.
type QualificationSource string

const (
	QualificationSourceOnchain  QualificationSource = "onchain"
	QualificationSourceOffchain QualificationSource = "offchain"
)

// ValidatorQualification is the Sybil gate's verdict for one validator.
// Reasons is never empty when Qualified is false.
type ValidatorQualification struct {
	Address    string              `json:"address"`
	Qualified  bool                `json:"qualified"`
	Reasons    []string            `json:"reasons,omitempty"`
	StakeUSD   float64             `json:"stake_usd"`
	Reputation float64             `json:"reputation"`
	Source     QualificationSource `json:"source"`
}
