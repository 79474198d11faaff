package protocol

// Listener receives session events. All methods are invoked from the
// session's single dispatcher goroutine, in the order the events occurred,
// and never concurrently. Implementations must not block for long; a slow
// listener delays later events and, once the bounded event queues fill, the
// oldest undelivered events are dropped.
//
// Embed [NopListener] to implement only the events of interest.
type Listener interface {
	// OnIncomingJSON is called for every control message except the
	// handshake hello.
	OnIncomingJSON(msg Message)

	// OnIncomingAudio is called with one encoded audio packet. pkt is owned
	// by the listener.
	OnIncomingAudio(pkt []byte)

	// OnAudioChannelOpened is called after the handshake completed.
	OnAudioChannelOpened()

	// OnAudioChannelClosed is called after the channel closed, whether
	// requested or not.
	OnAudioChannelClosed()

	// OnNetworkError is called when an open fails or a connection loss is
	// not (or no longer) being retried.
	OnNetworkError(err error)

	// OnConnectionStateChanged is called when the channel opens or closes.
	OnConnectionStateChanged(open bool, reason string)

	// OnReconnecting is called before each reconnection attempt.
	OnReconnecting(attempt, maxAttempts int)
}

// NopListener implements [Listener] with no-op methods.
type NopListener struct{}

func (NopListener) OnIncomingJSON(Message)                {}
func (NopListener) OnIncomingAudio([]byte)                {}
func (NopListener) OnAudioChannelOpened()                 {}
func (NopListener) OnAudioChannelClosed()                 {}
func (NopListener) OnNetworkError(error)                  {}
func (NopListener) OnConnectionStateChanged(bool, string) {}
func (NopListener) OnReconnecting(int, int)               {}

var _ Listener = NopListener{}
