package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Overlap is another event inside the analyzed window, nearest first, with
// its note text resolved.
type Overlap struct {
	Timestamp time.Time
	Distance  time.Duration
	Text      string
}

// ChatEvent is one recent event summarized for chat context.
type ChatEvent struct {
	Timestamp      time.Time
	Text           string
	Classification string
}

// ChatContext is what the chat prompt gets to see besides the question.
type ChatContext struct {
	Readings []model.Reading
	Today    *model.DayStats
	Events   []ChatEvent
}

func EventSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are a personal glucose response reviewer.
Begin your reply with exactly one tag: [good], [concerning] or [bad].
After the tag, write a short plain-text assessment of the glucose response to the logged event.
Rules:
- use ONLY the provided readings and stats; no invented numbers
- name the spike and the time to peak when present
- when overlapping events are listed, say that their effects cannot be fully separated
- max 800 chars after the tag
Prompt version: %s`, version))
}

func EventUserPrompt(note model.Note, ev model.Event, overlaps []Overlap, readings []model.Reading) string {
	var b strings.Builder
	b.WriteString("Event:\n")
	b.WriteString(fmt.Sprintf("- at: %s\n", ev.Timestamp.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- note: %s\n", safeString(note.Text)))
	b.WriteString(fmt.Sprintf("- window: %s .. %s\n", ev.PeriodStart.Format(time.RFC3339), ev.PeriodEnd.Format(time.RFC3339)))
	b.WriteString("Stats (mg/dL):\n")
	b.WriteString(fmt.Sprintf("- at_event: %s\n", fmtStat(ev.Stats.AtEvent)))
	b.WriteString(fmt.Sprintf("- min: %s\n", fmtStat(ev.Stats.Min)))
	b.WriteString(fmt.Sprintf("- max: %s\n", fmtStat(ev.Stats.Max)))
	b.WriteString(fmt.Sprintf("- avg: %s\n", fmtStat(ev.Stats.Avg)))
	b.WriteString(fmt.Sprintf("- spike: %s\n", fmtStat(ev.Stats.Spike)))
	if ev.Stats.PeakTime != nil {
		b.WriteString(fmt.Sprintf("- peak_time: %s\n", ev.Stats.PeakTime.Format(time.RFC3339)))
	}
	b.WriteString(fmt.Sprintf("- readings: %d\n", ev.Stats.Count))
	if len(overlaps) > 0 {
		b.WriteString("Overlapping events, nearest first:\n")
		for _, o := range overlaps {
			b.WriteString(fmt.Sprintf("- %s (%s away): %s\n", o.Timestamp.Format(time.RFC3339), o.Distance, safeString(o.Text)))
		}
	}
	b.WriteString("Readings:\n")
	for _, r := range readings {
		b.WriteString(fmt.Sprintf("- %s %s\n", r.Timestamp.Format("15:04"), strconv.FormatFloat(r.Value, 'f', -1, 64)))
	}
	return b.String()
}

func DaySystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are a personal glucose day reviewer.
Return STRICT JSON ONLY with keys: title, summary, highlights, risk.
Rules:
- title max 60 chars
- summary max 600 chars
- highlights array 2-5 items, each max 80 chars
- risk must be "low", "medium", or "high"
- use ONLY the provided stats and readings; no invented numbers
Prompt version: %s`, version))
}

func DayUserPrompt(ds model.DayStats, readings []model.Reading) string {
	var b strings.Builder
	b.WriteString("Day:\n")
	b.WriteString(fmt.Sprintf("- date: %s\n", ds.Day))
	b.WriteString("Stats (mg/dL):\n")
	b.WriteString(fmt.Sprintf("- avg: %s\n", fmtStat(ds.Avg)))
	b.WriteString(fmt.Sprintf("- min: %s\n", fmtStat(ds.Min)))
	b.WriteString(fmt.Sprintf("- max: %s\n", fmtStat(ds.Max)))
	b.WriteString(fmt.Sprintf("- std_dev: %s\n", fmtStat(ds.StdDev)))
	b.WriteString(fmt.Sprintf("- below_pct: %s\n", fmtStat(ds.TimeBelowPct)))
	b.WriteString(fmt.Sprintf("- in_range_pct: %s\n", fmtStat(ds.TimeInRangePct)))
	b.WriteString(fmt.Sprintf("- above_pct: %s\n", fmtStat(ds.TimeAbovePct)))
	b.WriteString(fmt.Sprintf("- readings: %d\n", ds.Count))
	b.WriteString("Readings:\n")
	for _, r := range readings {
		b.WriteString(fmt.Sprintf("- %s %s\n", r.Timestamp.Format("15:04"), strconv.FormatFloat(r.Value, 'f', -1, 64)))
	}
	return b.String()
}

func ChatSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You answer questions about one person's recent glucose data.
Rules:
- use ONLY the provided context; when the context cannot answer, say so
- plain text, max 1000 chars
- values are mg/dL
Prompt version: %s`, version))
}

func ChatUserPrompt(question string, cc ChatContext) string {
	var b strings.Builder
	if cc.Today != nil {
		b.WriteString("Today so far:\n")
		b.WriteString(fmt.Sprintf("- avg %s, range %s..%s, in range %s%%\n",
			fmtStat(cc.Today.Avg), fmtStat(cc.Today.Min), fmtStat(cc.Today.Max), fmtStat(cc.Today.TimeInRangePct)))
	}
	if len(cc.Events) > 0 {
		b.WriteString("Recent events:\n")
		for _, ev := range cc.Events {
			line := fmt.Sprintf("- %s: %s", ev.Timestamp.Format(time.RFC3339), safeString(ev.Text))
			if ev.Classification != "" {
				line += " [" + ev.Classification + "]"
			}
			b.WriteString(line + "\n")
		}
	}
	if len(cc.Readings) > 0 {
		b.WriteString("Recent readings:\n")
		for _, r := range cc.Readings {
			b.WriteString(fmt.Sprintf("- %s %s\n", r.Timestamp.Format("Jan 2 15:04"), strconv.FormatFloat(r.Value, 'f', -1, 64)))
		}
	}
	b.WriteString("Question:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n")
	return b.String()
}

func fmtStat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func safeString(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "-"
	}
	return v
}
