package utils

import "strings"

// Contains reports whether value matches any entry of list, ignoring case.
func Contains(value string, list []string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, value) {
			return true
		}
	}
	return false
}
