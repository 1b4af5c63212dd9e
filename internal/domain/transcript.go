package domain

import "strings"

// TranscriptSegment is one timed caption line.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	Text  string  `json:"text"`
}

// TranscriptStatus reports whether a transcript is available yet.
type TranscriptStatus string

const (
	// TranscriptReady means segments are available.
	TranscriptReady TranscriptStatus = "ready"
	// TranscriptProcessing means a speech-to-text job is still running.
	TranscriptProcessing TranscriptStatus = "processing"
	// TranscriptFailed means the job ended without a transcript.
	TranscriptFailed TranscriptStatus = "failed"
)

// TranscriptResult is the response of the transcript collaborator.
type TranscriptResult struct {
	Status   TranscriptStatus    `json:"status"`
	JobID    string              `json:"job_id,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// WindowSegments returns the segments starting within [start, end].
func WindowSegments(segments []TranscriptSegment, start, end float64) []TranscriptSegment {
	var out []TranscriptSegment
	for _, s := range segments {
		if s.Start >= start && s.Start <= end {
			out = append(out, s)
		}
	}
	return out
}

// JoinTranscript concatenates segment text with single spaces.
func JoinTranscript(segments []TranscriptSegment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
