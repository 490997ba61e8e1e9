package discord

import (
	"fmt"
	"strings"
	"time"

	"connpass-notify-bot/internal/domain"
)

const messageLimit = 2000

// FormatNewEvents формирует текстовое представление партии новых событий
// для отправки в канал. Аннотации передаются по идентификатору события и
// подставляются, если найдены.
func FormatNewEvents(payload domain.NewEventsPayload, summaries map[int64]string) string {
	var sections []string

	header := fmt.Sprintf("📅 **Новые события** (%d)", len(payload.Events))
	sections = append(sections, header)

	for _, event := range payload.Events {
		var b strings.Builder
		b.WriteString("**" + event.Title + "**\n")
		if catch := strings.TrimSpace(event.Catch); catch != "" {
			b.WriteString(catch + "\n")
		}
		b.WriteString("🕒 " + formatEventTime(event) + "\n")
		if place := formatPlace(event); place != "" {
			b.WriteString("📍 " + place + "\n")
		}
		if event.Limit > 0 {
			b.WriteString(fmt.Sprintf("👥 %d/%d\n", event.Accepted, event.Limit))
		} else if event.Accepted > 0 {
			b.WriteString(fmt.Sprintf("👥 %d\n", event.Accepted))
		}
		if summary, ok := summaries[event.ID]; ok && strings.TrimSpace(summary) != "" {
			b.WriteString("💡 " + strings.TrimSpace(summary) + "\n")
		}
		b.WriteString("<" + event.URL + ">")
		sections = append(sections, b.String())
	}

	return strings.Join(sections, "\n\n")
}

// FormatReminder формирует личное напоминание о скором начале события.
func FormatReminder(event domain.EventRecord, startsIn time.Duration) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("⏰ Событие начнётся через %s\n", formatStartsIn(startsIn)))
	b.WriteString("**" + event.Title + "**\n")
	b.WriteString("🕒 " + formatEventTime(event) + "\n")
	if place := formatPlace(event); place != "" {
		b.WriteString("📍 " + place + "\n")
	}
	b.WriteString("<" + event.URL + ">")
	return b.String()
}

func formatEventTime(event domain.EventRecord) string {
	started := event.StartedAt.Format("02.01.2006 15:04")
	if event.EndedAt == nil {
		return started
	}
	if event.EndedAt.Truncate(24 * time.Hour).Equal(event.StartedAt.Truncate(24 * time.Hour)) {
		return started + " – " + event.EndedAt.Format("15:04")
	}
	return started + " – " + event.EndedAt.Format("02.01.2006 15:04")
}

func formatPlace(event domain.EventRecord) string {
	place := strings.TrimSpace(event.Place)
	address := strings.TrimSpace(event.Address)
	switch {
	case place != "" && address != "" && place != address:
		return place + " (" + address + ")"
	case place != "":
		return place
	default:
		return address
	}
}

func formatStartsIn(d time.Duration) string {
	if d < time.Minute {
		return "минуту"
	}
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d мин", minutes)
	}
	return fmt.Sprintf("%d ч %d мин", minutes/60, minutes%60)
}

// SplitMessage разбивает текст на части в пределах лимита сообщения Discord.
// Разрыв предпочтительно проходит по границе строки, чтобы блоки событий
// оставались целыми.
func SplitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= messageLimit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + messageLimit
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}

	return parts
}
