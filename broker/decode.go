package broker

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/statuswire/statuswire/errors"
)

// Outcome classifies the result of decoding one broker payload.
type Outcome int

const (
	// OutcomeEmpty means the payload was blank. Not an error.
	OutcomeEmpty Outcome = iota
	// OutcomeDecoded means the payload decoded cleanly.
	OutcomeDecoded
	// OutcomeRecovered means the payload was malformed as a whole but a
	// single line within it decoded successfully.
	OutcomeRecovered
	// OutcomeFailed means nothing usable could be extracted. The payload is
	// dropped and the subscriber loop continues.
	OutcomeFailed
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeDecoded:
		return "decoded"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// diagnosticBytes bounds how much of a bad payload is captured for logging.
const diagnosticBytes = 64

// Decoder parses broker payloads into typed events. The broker transport is
// shared infrastructure outside this system's control, so payloads are
// treated as untrusted: they may be truncated, concatenated with another
// message, or carry unexpected encoding. A decode failure must never take
// down the subscriber loop.
type Decoder struct {
	logger *zap.SugaredLogger
}

// NewDecoder creates a decoder.
func NewDecoder(logger *zap.SugaredLogger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode parses one raw payload. It returns a non-nil event only for
// OutcomeDecoded and OutcomeRecovered; the error accompanies OutcomeFailed
// and wraps errors.ErrDecode with a diagnostic.
func (d *Decoder) Decode(payload []byte) (*Event, Outcome, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, OutcomeEmpty, nil
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, OutcomeFailed, d.failure(payload, "payload is not a JSON object or array")
	}

	var event Event
	if err := json.Unmarshal(trimmed, &event); err == nil {
		return &event, OutcomeDecoded, nil
	}

	// Line-by-line recovery: the transport occasionally concatenates frames
	// or truncates the tail, leaving one valid object on its own line.
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var recovered Event
		if err := json.Unmarshal(line, &recovered); err == nil {
			d.logger.Warnw("Recovered event from malformed broker payload",
				"payload_length", len(payload),
				"event_id", recovered.ID,
			)
			return &recovered, OutcomeRecovered, nil
		}
		break
	}

	return nil, OutcomeFailed, d.failure(payload, "no recoverable event in payload")
}

// failure logs and wraps a decode failure, capturing payload length and the
// first bytes for observability.
func (d *Decoder) failure(payload []byte, reason string) error {
	head := payload
	if len(head) > diagnosticBytes {
		head = head[:diagnosticBytes]
	}
	d.logger.Warnw("Dropping undecodable broker payload",
		"reason", reason,
		"payload_length", len(payload),
		"payload_head", string(head),
	)
	return errors.Wrapf(errors.ErrDecode, "%s (length %d, head %q)", reason, len(payload), string(head))
}
