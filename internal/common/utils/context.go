package utils

import (
	"context"
	"fmt"
	"time"
)

// 指定されたタイムアウト時間内でバッチ処理を実行する
// タイムアウトを超えた場合は、コンテキストをキャンセルしてエラーを返す
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := RunWithTimeoutResult(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunWithTimeoutResult は戻り値付きの処理をタイムアウト付きで実行します
func RunWithTimeoutResult[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	// タイムアウト付きのコンテキストを作成
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	resultChan := make(chan result, 1)

	// バッチ処理を実行
	go func() {
		v, err := fn(ctx)
		resultChan <- result{value: v, err: err}
	}()

	// バッチ処理の完了またはタイムアウトを待機
	select {
	case r := <-resultChan:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("batch process timed out after %v", timeout)
	}
}
