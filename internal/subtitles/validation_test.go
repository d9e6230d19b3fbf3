package subtitles_test

import (
	"strings"
	"testing"

	"spool/internal/subtitles"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:04,000
Previously on The Show...

2
00:00:05,000 --> 00:00:08,500
We have to go back.
`

func TestValidateSRTAcceptsWellFormed(t *testing.T) {
	if err := subtitles.ValidateSRT([]byte(sampleSRT)); err != nil {
		t.Fatalf("ValidateSRT: %v", err)
	}
}

func TestValidateSRTRejectsShortBody(t *testing.T) {
	if err := subtitles.ValidateSRT([]byte("1\n00:01 --> 00:02\nhi")); err == nil {
		t.Fatal("expected rejection of a sub-50-byte body")
	}
}

func TestValidateSRTRejectsHTML(t *testing.T) {
	page := "<!DOCTYPE html><html><body>Not Found</body></html>" + strings.Repeat(" ", 50)
	if err := subtitles.ValidateSRT([]byte(page)); err == nil {
		t.Fatal("expected rejection of an HTML error page")
	}
	page = "  <HTML><head><title>503</title></head>" + strings.Repeat(" ", 50)
	if err := subtitles.ValidateSRT([]byte(page)); err == nil {
		t.Fatal("expected rejection of an uppercase HTML page")
	}
}

func TestValidateSRTRejectsMissingTimestamps(t *testing.T) {
	body := strings.Repeat("just some prose with no cue markers\n", 4)
	if err := subtitles.ValidateSRT([]byte(body)); err == nil {
		t.Fatal("expected rejection of a body without --> markers")
	}
}
