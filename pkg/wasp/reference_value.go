package wasp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"wasp/internal/codec"
)

// ReferenceValue points at a record in another collection. The target is
// fetched on first Record call and kept for the value's lifetime.
type ReferenceValue struct {
	collection string
	id         string
	client     *Client

	group  singleflight.Group
	mu     sync.Mutex
	record Record
}

// NewReference points at an existing record, which must carry an _id. The
// record is used as the resolved target.
func NewReference(record Record, collection string) (*ReferenceValue, error) {
	id := RecordID(record)
	if id == "" {
		return nil, ErrMissingID
	}
	return &ReferenceValue{collection: collection, id: id, record: record}, nil
}

// Reference returns an unresolved pointer to collection/id bound to c.
func (c *Client) Reference(collection, id string) *ReferenceValue {
	return &ReferenceValue{collection: collection, id: id, client: c}
}

// Collection is the target collection.
func (r *ReferenceValue) Collection() string { return r.collection }

// ID is the target record id.
func (r *ReferenceValue) ID() string { return r.id }

// Entry is the wire form used when the reference is written back.
func (r *ReferenceValue) Entry() map[string]any {
	return codec.ReferencePlaceholder{Collection: r.collection, ID: r.id}.Entry()
}

// Resolved reports whether the target record is already known.
func (r *ReferenceValue) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record != nil
}

// Record returns the target record, fetching it once. Concurrent callers
// share a single request; a caller whose ctx ends stops waiting without
// failing the others.
func (r *ReferenceValue) Record(ctx context.Context) (Record, error) {
	r.mu.Lock()
	record := r.record
	r.mu.Unlock()
	if record != nil {
		return record, nil
	}
	if r.client == nil {
		return nil, &LocalResourceError{Op: "resolve reference", Path: r.collection + "/" + r.id, Err: fmt.Errorf("reference is not bound to a client")}
	}

	// The shared lookup outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	lookupCtx := context.WithoutCancel(ctx)
	result := r.group.DoChan("record", func() (any, error) {
		r.mu.Lock()
		known := r.record
		r.mu.Unlock()
		if known != nil {
			return known, nil
		}
		resolved, err := r.client.resolveReference(lookupCtx, r.collection, r.id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.record = resolved
		r.mu.Unlock()
		return resolved, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Record), nil
	}
}

func (r *ReferenceValue) String() string {
	return fmt.Sprintf("<ReferenceValue collection=%s id=%s>", r.collection, r.id)
}

func referenceCacheKey(collection, id string) string {
	return collection + "/" + id
}

// resolveReference fetches a record by id. Immutable records are cached
// client-wide since they cannot change.
func (c *Client) resolveReference(ctx context.Context, collection, id string) (Record, error) {
	key := referenceCacheKey(collection, id)
	if c.refCache != nil {
		if record, ok := c.refCache.Get(key); ok {
			return record, nil
		}
	}
	record, err := c.FindRecordByID(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if c.refCache != nil && !IsMutableRecord(record) {
		c.refCache.Add(key, record)
	}
	return record, nil
}

// ResolveReferences resolves every ReferenceValue in record concurrently.
// The first failure stops waiting for the remaining lookups.
func (c *Client) ResolveReferences(ctx context.Context, record Record) error {
	var refs []*ReferenceValue
	seen := map[*ReferenceValue]struct{}{}
	walkReferences(record, func(r *ReferenceValue) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	})
	if len(refs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.resolveConcurrency)
	for _, ref := range refs {
		g.Go(func() error {
			if _, err := ref.Record(gctx); err != nil {
				return fmt.Errorf("resolve %s/%s: %w", ref.collection, ref.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
