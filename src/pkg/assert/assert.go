package assert

import "fmt"

// Assert panics with the formatted message when cond is false.
// Only for invariants whose violation is a programming error.
func Assert(cond bool, msgAndArgs ...any) {
	if cond {
		return
	}

	if len(msgAndArgs) == 0 {
		panic("assertion failed")
	}

	format, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprint(msgAndArgs...))
	}
	panic(fmt.Sprintf("assertion failed: "+format, msgAndArgs[1:]...))
}

func NoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}
}

func Cast[T any](v any) T {
	r, ok := v.(T)
	Assert(ok, "invalid cast from %T", v)
	return r
}
