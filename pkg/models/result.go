package models

import "time"

// BrowserResult is the extracted output of one browser task
type BrowserResult struct {
	Target       string    `json:"target"`
	Content      []byte    `json:"content,omitempty"`
	ContentType  string    `json:"content_type"`
	ScriptOutput string    `json:"script_output,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	Success      bool      `json:"success"`
	FromCache    bool      `json:"from_cache,omitempty"`
}

// Clone copies the result including its content buffer
func (r BrowserResult) Clone() BrowserResult {
	c := r
	if r.Content != nil {
		c.Content = append([]byte(nil), r.Content...)
	}
	return c
}

// MediaArtifact is a file produced by the encoder
type MediaArtifact struct {
	Path        string        `json:"path"`
	Format      string        `json:"format"`
	ContentType string        `json:"content_type"`
	SizeBytes   int64         `json:"size_bytes"`
	CreatedAt   time.Time     `json:"created_at"`
	Duration    time.Duration `json:"duration"`
}

// Attachment is a file referenced by an inbound chat message
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ChatEvent is one inbound message from a chat platform
type ChatEvent struct {
	Conversation ConversationContext `json:"conversation"`
	Text         string              `json:"text"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	ReceivedAt   time.Time           `json:"received_at"`
}
