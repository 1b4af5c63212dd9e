package domain

import "time"

// MemoryUpdate records the outcome of one evaluated answer for later
// personalization.
type MemoryUpdate struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	ChapterID  string    `json:"chapter_id,omitempty"`
	Topic      string    `json:"topic"`
	Correct    bool      `json:"correct"`
	Attempt    int       `json:"attempt"`
	Remedial   bool      `json:"remedial"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TopicMemory aggregates a student's history on a single topic.
type TopicMemory struct {
	StudentID    string    `json:"student_id"`
	Topic        string    `json:"topic"`
	Attempts     int       `json:"attempts"`
	CorrectCount int       `json:"correct_count"`
	LastCorrect  bool      `json:"last_correct"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Accuracy returns the share of correct attempts in [0, 1].
func (m TopicMemory) Accuracy() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.CorrectCount) / float64(m.Attempts)
}
