package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	txAttempts = 5
	txTimeout  = 15 * time.Second
)

// TxFunc runs inside a transaction. Firestore may call it again on contention, so it must not
// have side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction runs fn on the provider's client and maps the outcome through WrapError
// under op. The caller's deadline is kept when it is tighter than txTimeout.
func (p *Provider) RunTransaction(ctx context.Context, op string, fn TxFunc) error {
	if fn == nil {
		return WrapError(op, errors.New("firestore: nil transaction func"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}
	return WrapError(op, client.RunTransaction(ctx, fn, firestore.MaxAttempts(txAttempts)))
}
