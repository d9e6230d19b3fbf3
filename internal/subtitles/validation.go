package subtitles

import (
	"bytes"
	"fmt"

	"spool/internal/services"
)

const minSubtitleBytes = 50

// ValidateSRT rejects bodies that are not plausible SubRip files: HTML
// error pages served with status 200, truncated downloads, and payloads
// with no timestamp markers.
func ValidateSRT(body []byte) error {
	if len(body) < minSubtitleBytes {
		return services.Wrap(services.ErrValidation, "subtitles", "validate",
			fmt.Sprintf("body too short (%d bytes)", len(body)), nil)
	}
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	if bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype")) {
		return services.Wrap(services.ErrValidation, "subtitles", "validate", "body is HTML", nil)
	}
	if !bytes.Contains(body, []byte("-->")) {
		return services.Wrap(services.ErrValidation, "subtitles", "validate", "no timestamp markers", nil)
	}
	return nil
}
