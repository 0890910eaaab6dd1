// Package plugin abstracts the upstream bundle repositories. The indexing
// core never talks to an upstream directly; it lists and fetches bundles
// through a RepositoryPlugin.
package plugin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/transform"
)

var ErrBundleNotFound = errors.New("plugin: bundle not found")

type RepositoryPlugin interface {
	// ListBundles enumerates bundle identities under a source, optionally
	// narrowed by a UUID prefix.
	ListBundles(ctx context.Context, source config.Source, prefix string) ([]document.BundleFQID, error)
	// FetchBundle retrieves the manifest and metadata files of one bundle.
	FetchBundle(ctx context.Context, source config.Source, fqid document.BundleFQID) (*transform.Bundle, error)
}

// InMemory is a canned repository for tests and local runs.
type InMemory struct {
	mu      sync.RWMutex
	bundles map[string]*transform.Bundle
}

func NewInMemory() *InMemory {
	return &InMemory{bundles: make(map[string]*transform.Bundle)}
}

func (p *InMemory) Put(b *transform.Bundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundles[b.FQID.String()] = b
}

func (p *InMemory) ListBundles(ctx context.Context, source config.Source, prefix string) ([]document.BundleFQID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []document.BundleFQID
	for _, b := range p.bundles {
		if b.FQID.SourceID != source.ID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(b.FQID.UUID.String(), strings.ToLower(prefix)) {
			continue
		}
		out = append(out, b.FQID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (p *InMemory) FetchBundle(ctx context.Context, source config.Source, fqid document.BundleFQID) (*transform.Bundle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.bundles[fqid.String()]
	if !ok {
		return nil, ErrBundleNotFound
	}
	// Shallow copy so callers can set the deleted flag per notification.
	cp := *b
	cp.FQID.SourceID = fqid.SourceID
	return &cp, nil
}
