package utils

import (
	"fmt"
	"runtime/debug"
)

// GetStackWithError は、エラーとスタックトレースを組み合わせて返します
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w\nStack trace:\n%s", err, debug.Stack())
}

// PanicToError はrecoverした値をエラーに変換します
// 予約1件の処理中のpanicでバッチ全体を止めないために使います
func PanicToError(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic recovered: %w", err)
	}
	return fmt.Errorf("panic recovered: %v", r)
}
