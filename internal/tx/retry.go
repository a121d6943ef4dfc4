package tx

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// EditObjectWait is EditObject for callers willing to wait for another
// transaction to let go of h. It retries ConcurrentEditConflict with
// exponential backoff for up to maxWait; every other error is returned
// at once.
func (tx *Transaction) EditObjectWait(ctx context.Context, h object.Handle, maxWait time.Duration) (*WorkingObject, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxWait

	var w *WorkingObject
	op := func() error {
		var err error
		w, err = tx.EditObject(h)
		if err != nil && !errs.Is(err, errs.ConcurrentEditConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return w, nil
}
