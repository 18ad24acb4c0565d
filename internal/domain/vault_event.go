package domain

// EventTag identifies the kind of ledger event recorded for a vault.
type EventTag string

const (
	EventDeposit         EventTag = "Deposit"
	EventClaim           EventTag = "Claim"
	EventRepayment       EventTag = "Repayment"
	EventWithdrawRequest EventTag = "WithdrawRequest"
)

// String returns the string representation of EventTag.
func (t EventTag) String() string {
	return string(t)
}

// IsValid checks if the tag is a known event kind.
func (t EventTag) IsValid() bool {
	switch t {
	case EventDeposit, EventClaim, EventRepayment, EventWithdrawRequest:
		return true
	}
	return false
}

// RequiresShares reports whether events with this tag must carry a share amount.
func (t EventTag) RequiresShares() bool {
	return t == EventDeposit || t == EventClaim
}

// RequiresAmount reports whether events with this tag must carry an asset amount.
func (t EventTag) RequiresAmount() bool {
	return t == EventDeposit || t == EventClaim || t == EventRepayment
}

// VaultEvent is one immutable record of the vault event log.
// Corresponds to vault_events table in PostgreSQL.
type VaultEvent struct {
	Vault       string   // vault account address (base58)
	Seq         int64    // position in the source log, tie-breaker for equal timestamps
	Tag         EventTag // event kind
	Timestamp   int64    // Unix timestamp in seconds
	Amount      *float64 // asset amount, signed magnitude per tag (nullable)
	Shares      *float64 // share amount, Deposit/Claim only (nullable)
	TxSignature string   // originating transaction signature
}
