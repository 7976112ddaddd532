package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"
)

// DefaultMessage is rendered when a channel has no template for the update type.
const DefaultMessage = `[{{ upper .Level }}] {{ .Alert.Source }}/{{ .Alert.AlertID }} {{ .Alert.UpdateType }}: {{ .Alert.Summary }}
{{- if .Alert.Subject }}
subject: {{ .Alert.Subject }}{{ end }}
{{- if .Alert.IsRaised }}
raised: {{ fmtTime .Alert.RaisedAt }} ({{ since .Alert.RaisedAt .Now }} ago){{ end }}
{{- if .Alert.IsAcknowledged }}
acknowledged by {{ .Alert.AcknowledgedBy }} until {{ fmtTime .Alert.WillUnacknowledgeAt }}{{ end }}
{{- if .WillSuppress }}
further notifications to {{ .Recipient }} are being suppressed{{ end }}`

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtTime":     FormatTime,
		"since":       Since,
		"json":        MarshalJSON,
		"upper":       upper,
		"truncate":    Truncate,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 86400:
		return fmt.Sprintf("%.1fd", seconds/86400)
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatTime renders a timestamp as RFC3339 UTC, or "-" when unset.
func FormatTime(at time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return at.UTC().Format(time.RFC3339)
}

// Since renders the elapsed time between from and now; unset from renders as zero.
func Since(from, now time.Time) string {
	if from.IsZero() {
		return FormatDuration(time.Duration(0))
	}
	return FormatDuration(now.Sub(from))
}

// Truncate cuts text to at most limit runes, appending an ellipsis when cut.
// Params: rune limit and text.
// Returns: text unchanged when it fits.
func Truncate(limit int, text string) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func upper(value any) string {
	return strings.ToUpper(fmt.Sprint(value))
}
