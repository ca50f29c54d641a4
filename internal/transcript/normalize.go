// Package transcript turns raw speech-engine output into the stored
// transcript: long segments are split into caption-sized chunks and known
// misrecognitions are corrected.
package transcript

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/samber/lo"

	"tsxstudio/internal/pkg/errors"
)

const (
	// MaxSegmentDuration is the longest segment kept as-is, in seconds.
	MaxSegmentDuration = 5.0
	// chunkTarget sizes the chunks of a split segment.
	chunkTarget = 4.0

	defaultLanguage            = "en"
	defaultLanguageProbability = 0.999

	EmptyMessage = "Transcribed audio was empty or silent. Please check the file."
)

// Raw is the engine's JSON output.
type Raw struct {
	Language            string       `json:"language"`
	LanguageProbability *float64     `json:"language_probability"`
	LanguageScore       *float64     `json:"language_score"`
	Duration            float64      `json:"duration"`
	Segments            []RawSegment `json:"segments"`
}

type RawSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the normalized, stored form.
type Transcript struct {
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`
	Segments            []Segment `json:"segments"`
}

// Parse decodes raw engine output.
func Parse(data []byte) (Raw, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, errors.Engine("transcript.parse", "transcriber produced invalid JSON", err)
	}
	return raw, nil
}

// Normalize splits long segments, applies dict and numbers segments from 1.
// A transcript without segments is an EMPTY_RESULT error.
func Normalize(raw Raw, dict Dictionary) (Transcript, error) {
	if len(raw.Segments) == 0 {
		return Transcript{}, errors.EmptyResult(EmptyMessage)
	}

	out := Transcript{
		Language:            raw.Language,
		LanguageProbability: defaultLanguageProbability,
		Duration:            raw.Duration,
	}
	if out.Language == "" {
		out.Language = defaultLanguage
	}
	switch {
	case raw.LanguageProbability != nil && *raw.LanguageProbability != 0:
		out.LanguageProbability = *raw.LanguageProbability
	case raw.LanguageScore != nil && *raw.LanguageScore != 0:
		out.LanguageProbability = *raw.LanguageScore
	}
	if out.Duration <= 0 {
		out.Duration = raw.Segments[len(raw.Segments)-1].End
	}

	var chunks []RawSegment
	for _, s := range raw.Segments {
		s.Text = strings.TrimSpace(s.Text)
		for _, c := range SplitSegment(s) {
			c.Text = dict.Apply(c.Text)
			chunks = append(chunks, c)
		}
	}

	out.Segments = lo.Map(chunks, func(c RawSegment, i int) Segment {
		return Segment{ID: i + 1, Start: c.Start, End: c.End, Text: c.Text}
	})
	return out, nil
}

// SplitSegment returns s unchanged when it lasts at most MaxSegmentDuration.
// Longer segments are cut into n = ceil(d/4) equal time slices and their
// words into groups of ceil(words/n). When there are fewer groups than slices
// the groups are spread so the first and last slices are used; empty slices
// are dropped. Boundaries are rounded to 2 decimals except the last end,
// which stays the original end. A single word is not split.
func SplitSegment(s RawSegment) []RawSegment {
	d := s.End - s.Start
	if d <= MaxSegmentDuration {
		return []RawSegment{s}
	}

	words := strings.Fields(s.Text)
	switch len(words) {
	case 0:
		return nil
	case 1:
		return []RawSegment{{Start: s.Start, End: s.End, Text: words[0]}}
	}

	n := int(math.Ceil(d / chunkTarget))
	groups := lo.Chunk(words, int(math.Ceil(float64(len(words))/float64(n))))
	k := len(groups)

	out := make([]RawSegment, 0, k)
	for c, g := range groups {
		i := c * (n - 1) / (k - 1)
		start := round2(s.Start + float64(i)*d/float64(n))
		end := s.End
		if i < n-1 {
			end = round2(s.Start + float64(i+1)*d/float64(n))
		}
		out = append(out, RawSegment{Start: start, End: end, Text: strings.Join(g, " ")})
	}
	return out
}

// Encode renders the stored JSON form.
func (t Transcript) Encode() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
