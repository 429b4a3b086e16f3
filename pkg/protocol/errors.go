package protocol

import "fmt"

// GapFillFailedError reports a chain gap that stayed open after every allowed resend request.
// The chain skips past the gap after reporting it.
type GapFillFailedError struct {
	From        MessageRef
	To          MessageRef
	PublisherID string
	MsgChainID  string
	Requests    int
}

func (e *GapFillFailedError) Error() string {
	return fmt.Sprintf("failed to fill gap %s..%s on chain %s-%s after %d requests",
		e.From, e.To, e.PublisherID, e.MsgChainID, e.Requests)
}

// UnableToDecryptError reports a single message whose content could not be decrypted.
// Other messages are unaffected.
type UnableToDecryptError struct {
	Message *StreamMessage
	Err     error
}

func (e *UnableToDecryptError) Error() string {
	return fmt.Sprintf("unable to decrypt message %s: %v", e.Message.MessageID, e.Err)
}

func (e *UnableToDecryptError) Unwrap() error {
	return e.Err
}
