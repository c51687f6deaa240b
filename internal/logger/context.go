package logger

import "context"

type contextKey struct{}

var fieldsKey = contextKey{}

// WithFields returns a context carrying key/value pairs that the *Ctx
// functions prepend to every record. A key already on ctx takes the new
// value in place.
func WithFields(ctx context.Context, args ...any) context.Context {
	existing := FieldsFromContext(ctx)
	merged := make([]any, 0, len(existing)+len(args))
	merged = append(merged, existing...)

next:
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			merged = append(merged, args[i], args[i+1])
			continue
		}
		for j := 0; j+1 < len(merged); j += 2 {
			if k, ok := merged[j].(string); ok && k == key {
				merged[j+1] = args[i+1]
				continue next
			}
		}
		merged = append(merged, args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		merged = append(merged, args[len(args)-1])
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFromContext returns the fields stored by WithFields, or nil.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey).([]any)
	return fields
}

func appendContextFields(ctx context.Context, args []any) []any {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return args
	}
	out := make([]any, 0, len(fields)+len(args))
	out = append(out, fields...)
	return append(out, args...)
}
