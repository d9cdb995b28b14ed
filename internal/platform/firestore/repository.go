package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
)

// Snapshot is a decoded document together with its id.
type Snapshot[D any] struct {
	ID   string
	Data D
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection wraps typed access to one collection whose documents decode into D.
// Reads and writes join the ambient transaction when ctx carries one.
type Collection[D any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection helper to the provider.
func NewCollection[D any](provider *Provider, name string) *Collection[D] {
	return &Collection[D]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[D]) Name() string { return c.name }

// Doc returns the document reference for id.
func (c *Collection[D]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// NewDoc returns a reference with an auto-generated id.
func (c *Collection[D]) NewDoc(ctx context.Context) (*firestore.DocumentRef, error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.NewDoc(), nil
}

// Create writes a new document and fails with a conflict if it already exists.
func (c *Collection[D]) Create(ctx context.Context, id string, data D) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("create"), tx.Create(doc, data))
	}
	_, err = doc.Create(ctx, data)
	return WrapError(c.op("create"), err)
}

// Set overwrites the document.
func (c *Collection[D]) Set(ctx context.Context, id string, data D) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("set"), tx.Set(doc, data))
	}
	_, err = doc.Set(ctx, data)
	return WrapError(c.op("set"), err)
}

// Update applies field-level updates. The document must exist.
func (c *Collection[D]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("update"), tx.Update(doc, updates))
	}
	_, err = doc.Update(ctx, updates)
	return WrapError(c.op("update"), err)
}

// Get reads and decodes a single document.
func (c *Collection[D]) Get(ctx context.Context, id string) (Snapshot[D], error) {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return Snapshot[D]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(doc)
	} else {
		snap, err = doc.Get(ctx)
	}
	if err != nil {
		return Snapshot[D]{}, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// Query returns every document matched by build.
func (c *Collection[D]) Query(ctx context.Context, build QueryBuilder) ([]Snapshot[D], error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var out []Snapshot[D]
	for {
		snap, err := iter.Next()
		if isIteratorDone(err) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := c.decode(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
}

// First returns the first document matched by build, or a not-found error.
func (c *Collection[D]) First(ctx context.Context, build QueryBuilder) (Snapshot[D], error) {
	docs, err := c.Query(ctx, func(q firestore.Query) firestore.Query {
		if build != nil {
			q = build(q)
		}
		return q.Limit(1)
	})
	if err != nil {
		return Snapshot[D]{}, err
	}
	if len(docs) == 0 {
		return Snapshot[D]{}, NotFound(c.op("first"), c.name+" document")
	}
	return docs[0], nil
}

func (c *Collection[D]) decode(snap *firestore.DocumentSnapshot) (Snapshot[D], error) {
	var data D
	if err := snap.DataTo(&data); err != nil {
		return Snapshot[D]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return Snapshot[D]{ID: snap.Ref.ID, Data: data}, nil
}

func (c *Collection[D]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[D]) op(action string) string {
	return c.name + "." + action
}
