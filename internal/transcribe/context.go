package transcribe

import "context"

type jobIDKey struct{}

// WithJobID tags ctx with the job or session the decode belongs to. Window
// observers read it back with JobIDFrom.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
