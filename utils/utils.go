// Package utils provides utility functions for the application.
package utils

import (
	"context"
	"strings"
)

func ToPtr[T any](v T) *T {
	return &v
}

// DerefString returns the pointed string or "" for nil
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringFromContext reads a string value stored under key, or "" when absent
func StringFromContext(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// JoinKey builds a colon separated cache key, skipping empty parts
func JoinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, ":"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}
