// ABOUTME: Request context helpers carrying the authenticated admin subject
// ABOUTME: Populated by AdminMiddleware and read by handlers for audit logging

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a context carrying the verified token subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the verified token subject, or "" if none.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}
