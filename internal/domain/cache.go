package domain

// Commitment is the consistency level a cached value was read or written at.
type Commitment string

const (
	// CommitmentOptimistic reflects an accepted transaction that may still revert.
	CommitmentOptimistic Commitment = "optimistic"
	// CommitmentFinalized reflects an irreversible transaction.
	CommitmentFinalized Commitment = "finalized"
)

// String returns the string representation of Commitment.
func (c Commitment) String() string {
	return string(c)
}

// IsValid checks if the commitment is a known level.
func (c Commitment) IsValid() bool {
	return c == CommitmentOptimistic || c == CommitmentFinalized
}

// RPC returns the commitment name understood by Solana RPC nodes.
func (c Commitment) RPC() string {
	if c == CommitmentFinalized {
		return "finalized"
	}
	return "confirmed"
}

// CacheEntry is one whole value held by the local cache.
// Entries are replaced as a unit and never mutated in place.
type CacheEntry struct {
	Key        string     // resource identity, usually an account address
	Value      any        // decoded value
	Commitment Commitment // consistency level of Value
	Raw        []byte     // raw account bytes Value was decoded from (nullable)
	Version    uint64     // logical write counter, strictly increasing per key
	Removed    bool       // set only on change notifications for a key that left the cache
}
