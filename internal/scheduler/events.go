package scheduler

// EventType labels one entry of the generation event stream.
type EventType string

const (
	EventChapterStarted   EventType = "chapter_started"
	EventToken            EventType = "token"
	EventChapterCompleted EventType = "chapter_completed"
	EventChapterFailed    EventType = "chapter_failed"
	EventWikiCompleted    EventType = "wiki_completed"
	EventError            EventType = "error"
)

// Event is one entry of the streaming protocol to the caller. Events for
// one chapter arrive in order; events of different chapters interleave
// and are distinguished by Chapter.
type Event struct {
	Type    EventType `json:"type"`
	Chapter int       `json:"chapter"` // chapter index, -1 for wiki-level events
	Title   string    `json:"title,omitempty"`
	Text    string    `json:"text,omitempty"`   // token payload
	Reason  string    `json:"reason,omitempty"` // failure reason
}
