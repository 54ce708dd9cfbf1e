package asr

import "time"

// Item types on the wire.
const (
	ItemPronunciation = "pronunciation"
	ItemPunctuation   = "punctuation"
)

// Config is the recognition session configuration. Fields map one-to-one
// onto the transport's start-stream parameters; zero values let the backend
// apply its defaults.
type Config struct {
	LanguageCode                      string
	MediaSampleRateHz                 int
	MediaEncoding                     string
	EnableSpeakerSeparation           bool
	EnableChannelIdentification       bool
	NumberOfChannels                  int
	EnablePartialResultsStabilization bool
}

// Item is one recognized token inside an alternative.
type Item struct {
	Content    string
	StartTime  time.Duration
	EndTime    time.Duration
	Type       string // ItemPronunciation or ItemPunctuation
	Confidence float64
	// Speaker is the server-assigned speaker label, "" when speaker
	// separation is off.
	Speaker string
	// Stable marks tokens the service will no longer revise in later
	// partials.
	Stable bool
}

// Alternative is one hypothesis for a result.
type Alternative struct {
	Transcript string
	Confidence float64
	Items      []Item
}

// StreamEvent is one server message. Partial events for the same ResultID
// supersede each other until a non-partial event finalizes the chain.
type StreamEvent struct {
	ResultID     string
	IsPartial    bool
	Alternatives []Alternative
	// ChannelID is the source channel index when channel identification is
	// enabled (0 = microphone, 1 = desktop).
	ChannelID int
	Timestamp time.Time
}

// Transcript returns the top alternative's transcript, or "".
func (e StreamEvent) Transcript() string {
	if len(e.Alternatives) == 0 {
		return ""
	}
	return e.Alternatives[0].Transcript
}
