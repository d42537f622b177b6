// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// NormalizePage clamps page to >= 1 and pageSize to [1, maxSize] (falling
// back to def when pageSize <= 0), and returns the row offset for the page.
func NormalizePage(page, pageSize, def, maxSize int) (p, size, offset int) {
	p = page
	if p < 1 {
		p = 1
	}
	size = pageSize
	if size <= 0 {
		size = def
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return p, size, (p - 1) * size
}

// TotalPages returns ceil(total / pageSize); zero when pageSize <= 0.
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
