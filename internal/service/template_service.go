package service

import (
	"strings"
)

// RenderTemplate fills {key} placeholders in a follow-up message from data.
// Placeholders without a value are left as written.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
