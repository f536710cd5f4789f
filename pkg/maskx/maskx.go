// Package maskx masks upstream secrets for display.
package maskx

import "strings"

const (
	targetLen   = 10
	placeholder = "..."
)

// Secret masks an upstream secret to a fixed 10-character display form.
// "sk-" secrets render as "sk-...WXYZ"; others keep at most the first 3 and
// last 4 characters. Empty input renders as "N/A" padded to width.
func Secret(secret string) string {
	if secret == "" {
		return pad("N/A")
	}
	n := len(secret)
	if strings.HasPrefix(secret, "sk-") {
		if n >= len("sk-")+4 {
			return "sk-" + placeholder + secret[n-4:]
		}
		return pad("sk-" + placeholder + secret[len("sk-"):])
	}
	if n >= 7 {
		return secret[:3] + placeholder + secret[n-4:]
	}
	if n == 1 {
		return pad(secret + placeholder)
	}
	return pad(secret[:1] + placeholder + secret[n-1:])
}

func pad(s string) string {
	if len(s) >= targetLen {
		return s
	}
	return s + strings.Repeat(" ", targetLen-len(s))
}
