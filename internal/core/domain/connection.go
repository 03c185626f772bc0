package domain

// ConnectionStatus is the lifecycle of one transport session.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusOpen         ConnectionStatus = "open"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusClosed       ConnectionStatus = "closed"
)

// ConnectionState is owned and mutated only by the transport session;
// other components read it to gate sends.
type ConnectionState struct {
	Status     ConnectionStatus
	RetryCount int
	LastError  error
}
