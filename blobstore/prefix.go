package blobstore

import (
	"context"
	"strings"
)

// PrefixStore namespaces every blob of an underlying store under a prefix.
type PrefixStore struct {
	store  BlobStore
	prefix string
}

// WithPrefix returns a view of store in which every name is prefixed.
func WithPrefix(store BlobStore, prefix string) *PrefixStore {
	return &PrefixStore{store: store, prefix: prefix}
}

func (p *PrefixStore) Open(ctx context.Context, name string) (Blob, error) {
	return p.store.Open(ctx, p.prefix+name)
}

func (p *PrefixStore) Put(ctx context.Context, name string, data []byte) error {
	return p.store.Put(ctx, p.prefix+name, data)
}

func (p *PrefixStore) Delete(ctx context.Context, name string) error {
	return p.store.Delete(ctx, p.prefix+name)
}

// List returns names relative to the prefix.
func (p *PrefixStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.store.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if rel, ok := strings.CutPrefix(n, p.prefix); ok {
			out = append(out, rel)
		}
	}
	return out, nil
}
