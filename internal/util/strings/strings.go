// Package strings holds small string helpers for user-facing messages.
package strings

// Pluralize appends "s" to word unless count is exactly one.
func Pluralize(word string, count int64) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
