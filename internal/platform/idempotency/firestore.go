package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "idempotency_keys"
	defaultMaxAttempts = 5
	defaultPurgeLimit  = 100
)

// FirestoreStore keeps entries in a Firestore collection, one document per hashed key. A
// Firestore TTL policy on expires_at can replace Purge.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection stores entries in name instead of idempotency_keys.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FirestoreStore) Begin(ctx context.Context, want Entry) (Claim, error) {
	want.CreatedAt = want.CreatedAt.UTC()
	ref := s.ref(want.Key)
	var claim Claim
	err := s.inTx(ctx, func(tx *firestore.Transaction) error {
		existing, found, err := readEntry(tx, ref)
		if err != nil {
			return err
		}
		var write bool
		if claim, write, err = begin(existing, found, want); err != nil || !write {
			return err
		}
		return tx.Set(ref, toEntryDoc(claim.Entry))
	})
	return claim, err
}

func (s *FirestoreStore) Finish(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref := s.ref(key)
	return s.inTx(ctx, func(tx *firestore.Transaction) error {
		existing, found, err := readEntry(tx, ref)
		if err != nil {
			return err
		}
		entry, err := finish(existing, found, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return tx.Set(ref, toEntryDoc(entry))
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key, fingerprint string) error {
	ref := s.ref(key)
	return s.inTx(ctx, func(tx *firestore.Transaction) error {
		existing, found, err := readEntry(tx, ref)
		if err != nil || !found || existing.Fingerprint != fingerprint {
			return err
		}
		return tx.Delete(ref)
	})
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	snaps, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(snaps) == 0 {
		return 0, err
	}

	writer := s.client.BulkWriter(ctx)
	defer writer.End()
	for _, snap := range snaps {
		if _, err := writer.Delete(snap.Ref); err != nil {
			return 0, err
		}
	}
	return len(snaps), nil
}

func (s *FirestoreStore) ref(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(storageID(key))
}

func (s *FirestoreStore) inTx(ctx context.Context, fn func(*firestore.Transaction) error) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return fn(tx)
	}, firestore.MaxAttempts(s.maxAttempts))
}

func readEntry(tx *firestore.Transaction, ref *firestore.DocumentRef) (Entry, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var doc entryDoc
	if err := snap.DataTo(&doc); err != nil {
		return Entry{}, false, err
	}
	return doc.entry(), true, nil
}

type entryDoc struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	Route       string              `firestore:"route,omitempty"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"created_at"`
	UpdatedAt   time.Time           `firestore:"updated_at"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func toEntryDoc(e Entry) entryDoc {
	return entryDoc{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		State:       string(e.State),
		Route:       e.Route,
		Status:      e.Status,
		Header:      e.Header,
		Body:        e.Body,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (d entryDoc) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		Route:       d.Route,
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}
