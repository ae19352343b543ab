package utils

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// StackError はスタックトレース付きのエラーです
type StackError struct {
	Err   error
	Stack []byte
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%v\nStack trace:\n%s", e.Err, e.Stack)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// GetStackWithError は、エラーとスタックトレースを組み合わせて返します
// すでにスタックトレースを持つエラーはそのまま返します
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	var se *StackError
	if errors.As(err, &se) {
		return err
	}
	return &StackError{Err: err, Stack: debug.Stack()}
}
