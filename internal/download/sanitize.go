package download

import (
	"fmt"
	"strings"
	"unicode"
)

const maxNameLength = 120

// SanitizeName makes a display title safe to use as a single path element.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	cleaned = strings.TrimSpace(cleaned)
	if runes := []rune(cleaned); len(runes) > maxNameLength {
		cleaned = strings.TrimSpace(string(runes[:maxNameLength]))
	}
	if cleaned == "" {
		return "untitled"
	}
	return cleaned
}

// chapterDirNames maps chapter ids to directory names. Names that collide
// after sanitizing get a " (n)" suffix in chapter order, so the first
// chapter keeps the bare name.
func chapterDirNames(chapters []Chapter) map[string]string {
	names := make(map[string]string, len(chapters))
	used := make(map[string]bool, len(chapters))

	for _, ch := range chapters {
		title := ch.Title
		if title == "" {
			title = ch.ID
		}
		base := SanitizeName(title)
		name := base
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s (%d)", base, n)
		}
		used[strings.ToLower(name)] = true
		names[ch.ID] = name
	}
	return names
}
