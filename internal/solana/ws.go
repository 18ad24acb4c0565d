package solana

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	AccountWatcher

	// Close closes the WebSocket connection and ends every watch.
	Close() error
}
