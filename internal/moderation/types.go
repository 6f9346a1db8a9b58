// Package moderation gates image relay behind an external NSFW classifier.
// Images are decoded from their data URL, sniffed, and posted to the
// classifier; the verdict decides whether the partner sees the image plain or
// flagged. In-flight checks are tracked so they can be cancelled when the
// pairing they were made for goes away.
package moderation

import (
	"errors"
	"fmt"
)

// Verdict is the classifier's answer for one image.
type Verdict int

const (
	Clean Verdict = iota
	Flagged
)

func (v Verdict) String() string {
	if v == Flagged {
		return "flagged"
	}
	return "clean"
}

// Outcomes reported on Result and in metrics.
const (
	OutcomeClean   = "clean"
	OutcomeFlagged = "flagged"
	OutcomeError   = "error"
	OutcomeStale   = "stale"
)

var (
	// ErrMalformedImage is returned when the payload is not a base64 data URL.
	ErrMalformedImage = errors.New("moderation: malformed image data url")

	// ErrImageTooLarge is returned when the decoded image exceeds the limit.
	ErrImageTooLarge = errors.New("moderation: image too large")

	// ErrNotAnImage is returned when the decoded bytes are not an image.
	ErrNotAnImage = errors.New("moderation: payload is not an image")

	// ErrUnexpectedStatus is returned for non-200 classifier responses.
	ErrUnexpectedStatus = errors.New("moderation: unexpected classifier status")

	// ErrMalformedResponse is returned when the classifier reply has no usable
	// nsfw field.
	ErrMalformedResponse = errors.New("moderation: malformed classifier response")
)

// ClassificationError reports that an image could not be classified. The
// image is never relayed when this is returned.
type ClassificationError struct {
	Op  string // "decode", "request", "response"
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("moderation: classify %s: %v", e.Op, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// Result is the audit record of one moderation round-trip. It never carries
// image content.
type Result struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Ts        int64  `json:"ts"`
}
