package singleflight

import "fmt"

// PanicError is delivered to every waiter when the shared function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: shared call panicked: %v", p.Value)
}
