package transcribe

import (
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

func TestCorrectorPhoneticReplacement(t *testing.T) {
	t.Parallel()

	c := NewCorrector([]string{"Smith"})
	got, corrections := c.Correct("talk to smyth tomorrow")
	if got != "talk to Smith tomorrow" {
		t.Fatalf("want phonetic correction, got %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("want 1 correction, got %d", len(corrections))
	}
	if corrections[0].Original != "smyth" || corrections[0].Corrected != "Smith" {
		t.Fatalf("unexpected correction: %+v", corrections[0])
	}
	if corrections[0].Confidence <= 0 {
		t.Fatalf("want positive confidence, got %v", corrections[0].Confidence)
	}
}

func TestCorrectorExactTermUntouched(t *testing.T) {
	t.Parallel()

	c := NewCorrector([]string{"Smith"})
	got, corrections := c.Correct("talk to Smith tomorrow")
	if got != "talk to Smith tomorrow" {
		t.Fatalf("want text unchanged, got %q", got)
	}
	if len(corrections) != 0 {
		t.Fatalf("want no corrections for exact term, got %v", corrections)
	}
}

func TestCorrectorMultiWordTerm(t *testing.T) {
	t.Parallel()

	c := NewCorrector([]string{"machine learning"})
	got, corrections := c.Correct("we study masheen lerning daily")
	if got != "we study machine learning daily" {
		t.Fatalf("want multi-word correction, got %q", got)
	}
	if len(corrections) != 1 || corrections[0].Original != "masheen lerning" {
		t.Fatalf("want single two-word correction, got %v", corrections)
	}
}

func TestCorrectorEmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := NewCorrector(nil)
	got, corrections := c.Correct("anything at all")
	if got != "anything at all" || corrections != nil {
		t.Fatalf("want passthrough, got %q %v", got, corrections)
	}
}

func TestCorrectorUnrelatedTextUntouched(t *testing.T) {
	t.Parallel()

	c := NewCorrector([]string{"kubernetes"})
	got, corrections := c.Correct("the quick brown fox")
	if got != "the quick brown fox" {
		t.Fatalf("want text unchanged, got %q", got)
	}
	if len(corrections) != 0 {
		t.Fatalf("want no corrections, got %v", corrections)
	}
}

func TestTranslateEventGroupsSpeakers(t *testing.T) {
	t.Parallel()

	ev := asr.StreamEvent{
		ResultID:  "r7",
		IsPartial: false,
		ChannelID: 1,
		Timestamp: time.Unix(100, 0),
		Alternatives: []asr.Alternative{{
			Transcript: "hi there. hello",
			Confidence: 0.9,
			Items: []asr.Item{
				{Content: "hi", Type: asr.ItemPronunciation, Speaker: "spk_0", Confidence: 0.8, StartTime: 0, EndTime: 200 * time.Millisecond, Stable: true},
				{Content: "there", Type: asr.ItemPronunciation, Speaker: "spk_0", Confidence: 0.6, StartTime: 200 * time.Millisecond, EndTime: 500 * time.Millisecond, Stable: true},
				{Content: ".", Type: asr.ItemPunctuation, Speaker: "spk_0", Confidence: 1.0},
				{Content: "hello", Type: asr.ItemPronunciation, Speaker: "spk_1", Confidence: 0.7, StartTime: 600 * time.Millisecond, EndTime: time.Second, Stable: true},
			},
		}},
	}

	res := translateEvent("sess", ev, true)
	if res.SessionID != "sess" || res.ResultID != "r7" || res.IsPartial {
		t.Fatalf("unexpected result header: %+v", res)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("want 2 speaker segments, got %d", len(res.Segments))
	}

	first := res.Segments[0]
	if first.Speaker != "spk_0" || first.Channel != "ch_1" {
		t.Fatalf("unexpected first segment attribution: %+v", first)
	}
	if first.Transcript != "hi there." {
		t.Fatalf("want punctuation attached, got %q", first.Transcript)
	}
	if first.StartTime != 0 || first.EndTime != 500*time.Millisecond {
		t.Fatalf("unexpected segment timing: %v..%v", first.StartTime, first.EndTime)
	}

	second := res.Segments[1]
	if second.Speaker != "spk_1" || second.Transcript != "hello" {
		t.Fatalf("unexpected second segment: %+v", second)
	}
	if len(res.Words) != 4 {
		t.Fatalf("want 4 words, got %d", len(res.Words))
	}
}

func TestTranslateEventChannelAttributionOff(t *testing.T) {
	t.Parallel()

	ev := asr.StreamEvent{
		ResultID: "r1",
		Alternatives: []asr.Alternative{{
			Transcript: "hey",
			Items: []asr.Item{
				{Content: "hey", Type: asr.ItemPronunciation, Speaker: "spk_0"},
			},
		}},
		ChannelID: 1,
	}
	res := translateEvent("sess", ev, false)
	if len(res.Segments) != 1 || res.Segments[0].Channel != "main" {
		t.Fatalf("want main channel when identification is off, got %+v", res.Segments)
	}
}
