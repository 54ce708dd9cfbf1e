// Package transcribe contains the streaming transcription client and the
// per-session transcription store: the client maintains the remote ASR
// session, paces audio and translates server events; the store is the
// authoritative owner of partial/stable result bookkeeping, session metrics
// and speaker profiles.
package transcribe

import (
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

// Word is one recognized token with timing and attribution.
type Word struct {
	Content           string
	Confidence        float64
	StartTime         time.Duration
	EndTime           time.Duration
	Speaker           string
	SpeakerConfidence float64
	Stable            bool
}

// SpeakerSegment is a run of words sharing one speaker and channel.
// Words are time-ordered.
type SpeakerSegment struct {
	Speaker       string
	Channel       string
	StartTime     time.Duration
	EndTime       time.Duration
	Transcript    string
	AvgConfidence float64
	Words         []Word
}

// Result is one translated server result. Partial results for the same
// ResultID supersede each other until a stable result finalizes the chain.
type Result struct {
	SessionID string
	Text      string
	// CorrectedText is the vocabulary-corrected text for stable results
	// when a corrector is configured; the raw Text is always preserved.
	CorrectedText string
	Corrections   []Correction
	Segments      []SpeakerSegment
	Words         []Word
	IsPartial     bool
	ResultID      string
	Confidence    float64
	ServerTime    time.Time
}

// SpeakerProfile accumulates per-speaker observations across a session.
type SpeakerProfile struct {
	Label         string
	Channel       string
	FirstSeen     time.Time
	TotalSegments int
	TotalDuration time.Duration
	// AvgConfidence is a rolling incremental mean over segment confidences.
	AvgConfidence float64
}

// Metrics are the per-session counters the store maintains.
type Metrics struct {
	ProcessedChunks int
	StableSegments  int
	PartialUpdates  int
	TotalWords      int
	StableWords     int
	SpeakerTimes    map[string]time.Duration
}

// SessionState is the live attribution state of one session.
type SessionState struct {
	LastSequence   uint64
	CurrentSpeaker string
	SpeakersSeen   int
	LastUpdate     time.Time
}

// Snapshot is the structured view returned by GetSessionResults.
type Snapshot struct {
	SessionID string
	Duration  time.Duration
	Metrics   Metrics
	State     SessionState
	Results   []Result
	// Partials maps result id to the latest partial, present only when
	// requested and non-empty.
	Partials map[string]Result
	Profiles map[string]SpeakerProfile
}

// channelTag maps a transport channel index onto the ring-buffer channel
// vocabulary.
func channelTag(id int) string {
	switch id {
	case 0:
		return "ch_0"
	case 1:
		return "ch_1"
	default:
		return "main"
	}
}

// translateEvent converts one server event into a Result, grouping
// consecutive items by speaker into segments. Channel attribution uses the
// event's channel index when channel identification is on.
func translateEvent(sessionID string, ev asr.StreamEvent, channelIdent bool) Result {
	res := Result{
		SessionID:  sessionID,
		IsPartial:  ev.IsPartial,
		ResultID:   ev.ResultID,
		ServerTime: ev.Timestamp,
	}
	if len(ev.Alternatives) == 0 {
		return res
	}

	alt := ev.Alternatives[0]
	res.Text = alt.Transcript
	res.Confidence = alt.Confidence

	channel := "main"
	if channelIdent {
		channel = channelTag(ev.ChannelID)
	}

	var (
		current *SpeakerSegment
		words   []Word
	)
	flush := func() {
		if current == nil || len(current.Words) == 0 {
			return
		}
		var sum float64
		parts := make([]string, 0, len(current.Words))
		for _, w := range current.Words {
			sum += w.Confidence
			parts = append(parts, w.Content)
		}
		current.AvgConfidence = sum / float64(len(current.Words))
		current.Transcript = joinTokens(parts)
		current.StartTime = current.Words[0].StartTime
		// Punctuation items carry no timing, so the end is the latest word
		// end rather than the last item's.
		for _, w := range current.Words {
			if w.EndTime > current.EndTime {
				current.EndTime = w.EndTime
			}
		}
		res.Segments = append(res.Segments, *current)
		current = nil
	}

	for _, item := range alt.Items {
		w := Word{
			Content:    item.Content,
			Confidence: item.Confidence,
			StartTime:  item.StartTime,
			EndTime:    item.EndTime,
			Speaker:    item.Speaker,
			Stable:     item.Stable,
		}
		words = append(words, w)
		if item.Type == asr.ItemPunctuation && current != nil {
			current.Words = append(current.Words, w)
			continue
		}
		if current == nil || current.Speaker != item.Speaker {
			flush()
			current = &SpeakerSegment{Speaker: item.Speaker, Channel: channel}
		}
		current.Words = append(current.Words, w)
	}
	flush()

	res.Words = words
	return res
}

// joinTokens joins word contents with spaces, attaching punctuation tokens
// directly to the preceding word.
func joinTokens(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out == "" {
			out = p
			continue
		}
		if isPunct(p) {
			out += p
		} else {
			out += " " + p
		}
	}
	return out
}

func isPunct(s string) bool {
	if len(s) != 1 {
		return false
	}
	switch s[0] {
	case '.', ',', '?', '!', ';', ':':
		return true
	}
	return false
}
