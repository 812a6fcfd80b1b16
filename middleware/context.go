package middleware

import "context"

type contextKey string

const subjectKey contextKey = "auth_subject"

// WithSubject stores the authenticated subject on the context.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// GetSubjectFromContext returns the authenticated subject, or empty.
func GetSubjectFromContext(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey).(string); ok {
		return sub
	}
	return ""
}
