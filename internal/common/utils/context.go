package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout はバッチ処理が制限時間内に終わらなかったことを表します
var ErrTimeout = errors.New("batch process timed out")

// RunWithTimeout は指定されたタイムアウト時間内でバッチ処理を実行します
// タイムアウトした場合はコンテキストをキャンセルし、fnの終了を猶予時間だけ待ってからErrTimeoutを返します
// 猶予時間内にfnが戻った場合は、その結果を優先します
func RunWithTimeout(ctx context.Context, timeout, grace time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	// 途中結果の記録などのためにfnの終了を待つ
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}
