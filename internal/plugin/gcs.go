package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/transform"
)

// GCS serves bundles laid out in a bucket as
//
//	<prefix><bundle_uuid>.<bundle_version>/manifest.json
//	<prefix><bundle_uuid>.<bundle_version>/metadata/<file name>
//
// one directory per bundle version.
type GCS struct {
	log    *logger.Logger
	client *storage.Client
}

func NewGCS(log *logger.Logger) (*GCS, error) {
	serviceLog := log.With("plugin", "GCSRepository")
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	ctx := context.Background()
	var client *storage.Client
	var err error
	if saPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadOnly))
	} else {
		client, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	}
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{log: serviceLog, client: client}, nil
}

func (p *GCS) ListBundles(ctx context.Context, source config.Source, prefix string) ([]document.BundleFQID, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	it := p.client.Bucket(source.Bucket).Objects(ctx, &storage.Query{
		Prefix:    source.Prefix + strings.ToLower(prefix),
		Delimiter: "/",
	})
	var out []document.BundleFQID
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list bundles under %s/%s: %w", source.Bucket, source.Prefix, err)
		}
		if attrs.Prefix == "" {
			continue
		}
		fqid, err := parseBundleDir(source, strings.TrimPrefix(attrs.Prefix, source.Prefix))
		if err != nil {
			p.log.Warn("Skipping unparseable bundle directory", "prefix", attrs.Prefix, "error", err)
			continue
		}
		out = append(out, fqid)
	}
	return out, nil
}

func (p *GCS) FetchBundle(ctx context.Context, source config.Source, fqid document.BundleFQID) (*transform.Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	dir := source.Prefix + fqid.String() + "/"
	bucket := p.client.Bucket(source.Bucket)

	raw, err := p.readObject(ctx, bucket, dir+"manifest.json")
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, fqid)
		}
		return nil, err
	}
	var manifest []transform.ManifestEntry
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest of %s: %w", fqid, err)
	}

	metadata := make(map[string]json.RawMessage)
	for _, entry := range manifest {
		if !entry.Indexed {
			continue
		}
		content, err := p.readObject(ctx, bucket, dir+"metadata/"+entry.Name)
		if err != nil {
			return nil, fmt.Errorf("fetch metadata file %s of %s: %w", entry.Name, fqid, err)
		}
		metadata[entry.Name] = json.RawMessage(content)
	}
	return &transform.Bundle{
		FQID:          fqid,
		Manifest:      manifest,
		MetadataFiles: metadata,
	}, nil
}

func (p *GCS) readObject(ctx context.Context, bucket *storage.BucketHandle, key string) ([]byte, error) {
	r, err := bucket.Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, err
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

func parseBundleDir(source config.Source, dir string) (document.BundleFQID, error) {
	dir = strings.TrimSuffix(dir, "/")
	i := strings.IndexByte(dir, '.')
	if i < 0 {
		return document.BundleFQID{}, fmt.Errorf("no version separator in %q", dir)
	}
	id, err := uuid.Parse(dir[:i])
	if err != nil {
		return document.BundleFQID{}, fmt.Errorf("parse bundle uuid: %w", err)
	}
	return document.BundleFQID{
		UUID:     id,
		Version:  dir[i+1:],
		SourceID: source.ID,
	}, nil
}
