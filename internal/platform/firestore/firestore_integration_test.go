//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
	"github.com/karigai/settlement/internal/platform/firestore/firestoretest"
)

type counterDoc struct {
	Label string `firestore:"label"`
	Count int    `firestore:"count"`
}

func TestCollectionAndTransactionIntegration(t *testing.T) {
	provider := firestoretest.NewProvider(t, "settlement-test")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	coll := pfirestore.NewCollection[counterDoc](provider, "counters")
	if err := coll.Create(ctx, "c-1", counterDoc{Label: "alpha", Count: 1}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := coll.Create(ctx, "c-1", counterDoc{Label: "dupe"}); err == nil {
		t.Fatalf("expected conflict on duplicate create")
	} else {
		var repoErr *pfirestore.Error
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}

	if err := coll.Update(ctx, "c-1", []firestore.Update{{Path: "count", Value: 2}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	err := provider.RunInTx(ctx, func(ctx context.Context) error {
		snap, err := coll.Get(ctx, "c-1")
		if err != nil {
			return err
		}
		snap.Data.Count++
		return coll.Set(ctx, "c-1", snap.Data)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, err := coll.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("label", "==", "alpha")
	})
	if err != nil {
		t.Fatalf("first failed: %v", err)
	}
	if got.ID != "c-1" || got.Data.Count != 3 {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	_, err = coll.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("label", "==", "missing")
	})
	var repoErr *pfirestore.Error
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	if err := provider.RunInTx(canceled, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}
