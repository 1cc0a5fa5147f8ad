// Package templates renders notification text and formats values for
// Indonesian-language messages.
package templates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Render substitutes {name} placeholders. Unknown names become "".
func Render(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
}

// Placeholders lists the distinct variable names used by tpl, in order of
// first appearance.
func Placeholders(tpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// FormatCurrency renders rupiah with dot thousands separators, e.g. "Rp 150.000".
func FormatCurrency(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return sign + "Rp " + b.String()
}

var months = [...]string{
	"Januari", "Februari", "Maret", "April", "Mei", "Juni",
	"Juli", "Agustus", "September", "Oktober", "November", "Desember",
}

// FormatDate renders a long Indonesian date, e.g. "14 Oktober 2026".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), months[t.Month()-1], t.Year())
}

// FormatMonth renders "Oktober 2026".
func FormatMonth(t time.Time) string {
	return fmt.Sprintf("%s %d", months[t.Month()-1], t.Year())
}

// FormatPeriod turns a "2026-10" billing period into "Oktober 2026".
// Anything else is returned unchanged.
func FormatPeriod(period string) string {
	t, err := time.Parse("2006-01", strings.TrimSpace(period))
	if err != nil {
		return period
	}
	return FormatMonth(t)
}
