package script

import "strings"

var (
	quoter   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	unquoter = strings.NewReplacer(`\\`, `\`, `\'`, `'`)
)

// Quote escapes s for use inside a single-quoted string literal.
func Quote(s string) string {
	return quoter.Replace(s)
}

// Unquote reverses Quote.
func Unquote(s string) string {
	return unquoter.Replace(s)
}
