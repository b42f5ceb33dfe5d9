package apperr

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxPublicMessageLen = 200

var internalMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s+at\s+\S+`),            // stack frame lines
	regexp.MustCompile(`\.(go|py|js|ts|java|rb):\d+`), // file:line
	regexp.MustCompile(`(?i)\b(traceback|stack ?trace|panic|goroutine \d+)\b`),
	regexp.MustCompile(`(?i)\b(exception|nullpointer|undefined is not|segmentation)\b`),
	regexp.MustCompile(`(?i)\b(sql|syntax error at or near|econnrefused|errno)\b`),
	regexp.MustCompile(`0x[0-9a-fA-F]{6,}`),
}

// Sanitize turns a server-provided failure message into something safe to
// show an end user. Messages that look like internal diagnostics are replaced
// by the generic AssessmentFailed explanation.
func Sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return defaultMessages[KindAssessmentFailed]
	}
	if strings.Count(msg, "\n") > 1 {
		return defaultMessages[KindAssessmentFailed]
	}
	for _, re := range internalMarkers {
		if re.MatchString(msg) {
			return defaultMessages[KindAssessmentFailed]
		}
	}
	if len(msg) > maxPublicMessageLen {
		cut := maxPublicMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = strings.TrimSpace(msg[:cut]) + "..."
	}
	return msg
}

// AssessmentFailed builds the terminal error for a job the server failed.
func AssessmentFailed(serverMsg string) *Error {
	e := New(KindAssessmentFailed, serverMsg)
	e.Message = Sanitize(serverMsg)
	return e
}
