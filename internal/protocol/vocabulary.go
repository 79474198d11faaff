package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// SendStartListening tells the server the user started talking.
func (s *Session) SendStartListening(ctx context.Context, mode ListenMode) error {
	if !mode.Valid() {
		return fmt.Errorf("protocol: invalid listen mode %q", mode)
	}
	return s.sendControl(ctx, listenMessage{
		SessionID: s.SessionID(),
		Type:      TypeListen,
		State:     "start",
		Mode:      string(mode),
	})
}

// SendStopListening ends the current user turn.
func (s *Session) SendStopListening(ctx context.Context) error {
	return s.sendControl(ctx, listenMessage{
		SessionID: s.SessionID(),
		Type:      TypeListen,
		State:     "stop",
	})
}

// SendWakeWordDetected reports a locally detected wake word.
func (s *Session) SendWakeWordDetected(ctx context.Context, text string) error {
	return s.sendControl(ctx, listenMessage{
		SessionID: s.SessionID(),
		Type:      TypeListen,
		State:     "detect",
		Text:      text,
	})
}

// SendAbortSpeaking asks the server to stop the current response. reason
// may be empty.
func (s *Session) SendAbortSpeaking(ctx context.Context, reason string) error {
	return s.sendControl(ctx, abortMessage{
		SessionID: s.SessionID(),
		Type:      TypeAbort,
		Reason:    reason,
	})
}

// SendMCPMessage forwards a tool-protocol payload verbatim.
func (s *Session) SendMCPMessage(ctx context.Context, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: mcp payload is not valid JSON", ErrDecode)
	}
	return s.sendControl(ctx, mcpMessage{
		SessionID: s.SessionID(),
		Type:      TypeMCP,
		Payload:   payload,
	})
}

// SendIoTDescriptors publishes device descriptors.
func (s *Session) SendIoTDescriptors(ctx context.Context, descriptors any) error {
	return s.sendControl(ctx, iotMessage{
		SessionID:   s.SessionID(),
		Type:        TypeIoT,
		Update:      true,
		Descriptors: descriptors,
	})
}

// SendIoTStates publishes device states.
func (s *Session) SendIoTStates(ctx context.Context, states any) error {
	return s.sendControl(ctx, iotMessage{
		SessionID: s.SessionID(),
		Type:      TypeIoT,
		Update:    true,
		States:    states,
	})
}

func (s *Session) sendControl(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode control message: %w", err)
	}
	return s.SendText(ctx, b)
}
