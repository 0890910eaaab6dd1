// Package dcp implements the metadata model for DCP-style bundles: a
// project metadata file, donor and sample metadata files, and data files
// listed in the manifest.
package dcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/biostack-io/bundle-indexer/internal/aggregate"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/transform"
)

const (
	EntityProjects document.EntityType = "projects"
	EntityFiles    document.EntityType = "files"
	EntityDonors   document.EntityType = "donors"
	EntitySamples  document.EntityType = "samples"
	EntityBundles  document.EntityType = "bundles"
)

// Model returns the transformer set for the dcp metadata model.
func Model() transform.Model {
	return transform.Model{
		Name: "dcp",
		Transformers: []transform.Transformer{
			&projectTransformer{},
			&fileTransformer{},
			&donorTransformer{},
			&sampleTransformer{},
			&bundleTransformer{},
		},
	}
}

type projectMetadata struct {
	DocumentID   string   `json:"document_id"`
	ShortName    string   `json:"short_name"`
	Title        string   `json:"title"`
	Laboratory   []string `json:"laboratory"`
	Institutions []string `json:"institutions"`
}

type donorMetadata struct {
	DocumentID       string `json:"document_id"`
	Species          string `json:"species"`
	Sex              string `json:"sex"`
	DevelopmentStage string `json:"development_stage"`
}

type sampleMetadata struct {
	DocumentID   string `json:"document_id"`
	Organ        string `json:"organ"`
	Preservation string `json:"preservation"`
}

// bundleView is the parsed, normalized form of one bundle. Parsing the whole
// bundle up front means a malformed metadata file aborts before any
// contribution is produced.
type bundleView struct {
	project aggregate.Entity
	donors  []aggregate.Entity
	samples []aggregate.Entity
	files   []aggregate.Entity
}

func parseBundle(b *transform.Bundle) (*bundleView, error) {
	raw, ok := b.MetadataFiles["project.json"]
	if !ok {
		return nil, fmt.Errorf("bundle %s: missing project.json", b.FQID)
	}
	var proj projectMetadata
	if err := json.Unmarshal(raw, &proj); err != nil {
		return nil, fmt.Errorf("bundle %s: parse project.json: %w", b.FQID, err)
	}
	if proj.DocumentID == "" {
		return nil, fmt.Errorf("bundle %s: project.json has no document_id", b.FQID)
	}

	view := &bundleView{
		project: aggregate.Entity{
			aggregate.DocumentIDField: proj.DocumentID,
			"short_name":              proj.ShortName,
			"title":                   proj.Title,
			"laboratory":              stringsToAny(proj.Laboratory),
			"institutions":            stringsToAny(proj.Institutions),
		},
	}

	names := make([]string, 0, len(b.MetadataFiles))
	for name := range b.MetadataFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, "donor_"):
			var d donorMetadata
			if err := json.Unmarshal(b.MetadataFiles[name], &d); err != nil {
				return nil, fmt.Errorf("bundle %s: parse %s: %w", b.FQID, name, err)
			}
			if d.DocumentID == "" {
				return nil, fmt.Errorf("bundle %s: %s has no document_id", b.FQID, name)
			}
			view.donors = append(view.donors, aggregate.Entity{
				aggregate.DocumentIDField: d.DocumentID,
				"species":                 d.Species,
				"sex":                     d.Sex,
				"development_stage":       d.DevelopmentStage,
			})
		case strings.HasPrefix(name, "sample_"):
			var s sampleMetadata
			if err := json.Unmarshal(b.MetadataFiles[name], &s); err != nil {
				return nil, fmt.Errorf("bundle %s: parse %s: %w", b.FQID, name, err)
			}
			if s.DocumentID == "" {
				return nil, fmt.Errorf("bundle %s: %s has no document_id", b.FQID, name)
			}
			view.samples = append(view.samples, aggregate.Entity{
				aggregate.DocumentIDField: s.DocumentID,
				"organ":                   s.Organ,
				"preservation":            s.Preservation,
			})
		}
	}

	for _, entry := range b.Manifest {
		if entry.Indexed {
			continue
		}
		if entry.UUID == "" {
			return nil, fmt.Errorf("bundle %s: manifest entry %q has no uuid", b.FQID, entry.Name)
		}
		view.files = append(view.files, aggregate.Entity{
			aggregate.DocumentIDField: entry.UUID,
			"name":                    entry.Name,
			"format":                  entry.Format,
			"size":                    entry.Size,
			"sha256":                  entry.SHA256,
			"version":                 entry.Version,
		})
	}
	return view, nil
}

func (v *bundleView) projectID() string {
	return v.project[aggregate.DocumentIDField].(string)
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func contribution(b *transform.Bundle, entityType document.EntityType, entityID string, contents map[string]any) transform.Result {
	return transform.Result{Contribution: &document.Contribution{
		Coordinates: document.ContributionCoordinates{
			Entity:  document.EntityReference{EntityType: entityType, EntityID: entityID},
			Bundle:  b.FQID,
			Deleted: b.Deleted,
		},
		Contents: contents,
	}}
}

// contentHash addresses a replica by its canonicalized contents.
func contentHash(contents map[string]any) string {
	raw, err := json.Marshal(contents)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", contents))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type projectTransformer struct{}

func (t *projectTransformer) EntityType() document.EntityType { return EntityProjects }

func (t *projectTransformer) FieldTypes() transform.FieldTypes {
	return transform.FieldTypes{
		"projects.short_name":   transform.FieldTypeString,
		"projects.title":        transform.FieldTypeString,
		"projects.laboratory":   transform.FieldTypeString,
		"projects.institutions": transform.FieldTypeString,
		"files.format":          transform.FieldTypeString,
		"files.size":            transform.FieldTypeNumber,
		"donors.species":        transform.FieldTypeString,
		"donors.sex":            transform.FieldTypeString,
		"samples.organ":         transform.FieldTypeString,
	}
}

func (t *projectTransformer) Estimate(b *Bundle, p transform.BundlePartition) int {
	return 1
}

func (t *projectTransformer) Transform(b *Bundle, p transform.BundlePartition) ([]transform.Result, error) {
	view, err := parseBundle(b)
	if err != nil {
		return nil, err
	}
	// The project contribution belongs to the partition holding the
	// project document, so exactly one partition emits it.
	if !p.Contains(view.projectID()) {
		return nil, nil
	}
	c := contribution(b, EntityProjects, view.projectID(), map[string]any{
		"projects": []any{anyEntity(view.project)},
		"files":    entitiesToAny(view.files),
		"donors":   entitiesToAny(view.donors),
		"samples":  entitiesToAny(view.samples),
	})
	return []transform.Result{c}, nil
}

func (t *projectTransformer) Aggregator(entityType document.EntityType) aggregate.Aggregator {
	switch entityType {
	case EntityProjects:
		a := aggregate.NewSimple()
		a.Field(aggregate.DocumentIDField, singleValue)
		a.Field("short_name", singleValue)
		a.Field("title", singleValue)
		return a
	case EntityFiles:
		return fileSummaryAggregator()
	case EntityDonors:
		return donorSummaryAggregator()
	case EntitySamples:
		return sampleSummaryAggregator()
	default:
		return nil
	}
}

type fileTransformer struct{}

func (t *fileTransformer) EntityType() document.EntityType { return EntityFiles }

func (t *fileTransformer) FieldTypes() transform.FieldTypes {
	return transform.FieldTypes{
		"files.name":    transform.FieldTypeString,
		"files.format":  transform.FieldTypeString,
		"files.size":    transform.FieldTypeNumber,
		"files.sha256":  transform.FieldTypeString,
		"files.version": transform.FieldTypeString,
	}
}

func (t *fileTransformer) Estimate(b *Bundle, p transform.BundlePartition) int {
	n := 0
	for _, e := range b.Manifest {
		if !e.Indexed && p.Contains(e.UUID) {
			n++
		}
	}
	return n
}

func (t *fileTransformer) Transform(b *Bundle, p transform.BundlePartition) ([]transform.Result, error) {
	view, err := parseBundle(b)
	if err != nil {
		return nil, err
	}
	var out []transform.Result
	for _, f := range view.files {
		id := f[aggregate.DocumentIDField].(string)
		if !p.Contains(id) {
			continue
		}
		res := contribution(b, EntityFiles, id, map[string]any{
			"files":    []any{anyEntity(f)},
			"projects": []any{anyEntity(view.project)},
		})
		res.Replica = &document.Replica{
			Coordinates: document.ReplicaCoordinates{
				Entity:      document.EntityReference{EntityType: EntityFiles, EntityID: id},
				ContentHash: contentHash(f),
			},
			ReplicaType: "file",
			Contents:    f,
			HubIDs:      []string{view.projectID()},
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *fileTransformer) Aggregator(entityType document.EntityType) aggregate.Aggregator {
	switch entityType {
	case EntityFiles:
		a := aggregate.NewSimple()
		a.Field(aggregate.DocumentIDField, singleValue)
		a.Field("name", singleValue)
		a.Field("format", singleValue)
		return a
	case EntityProjects:
		return projectSummaryAggregator()
	default:
		return nil
	}
}

type donorTransformer struct{}

func (t *donorTransformer) EntityType() document.EntityType { return EntityDonors }

func (t *donorTransformer) FieldTypes() transform.FieldTypes {
	return transform.FieldTypes{
		"donors.species":           transform.FieldTypeString,
		"donors.sex":               transform.FieldTypeString,
		"donors.development_stage": transform.FieldTypeString,
	}
}

func (t *donorTransformer) Estimate(b *Bundle, p transform.BundlePartition) int {
	n := 0
	for name := range b.MetadataFiles {
		if strings.HasPrefix(name, "donor_") {
			n++
		}
	}
	return n
}

func (t *donorTransformer) Transform(b *Bundle, p transform.BundlePartition) ([]transform.Result, error) {
	view, err := parseBundle(b)
	if err != nil {
		return nil, err
	}
	var out []transform.Result
	for _, d := range view.donors {
		id := d[aggregate.DocumentIDField].(string)
		if !p.Contains(id) {
			continue
		}
		out = append(out, contribution(b, EntityDonors, id, map[string]any{
			"donors":   []any{anyEntity(d)},
			"projects": []any{anyEntity(view.project)},
			"files":    entitiesToAny(view.files),
		}))
	}
	return out, nil
}

func (t *donorTransformer) Aggregator(entityType document.EntityType) aggregate.Aggregator {
	switch entityType {
	case EntityDonors:
		a := aggregate.NewSimple()
		a.Field(aggregate.DocumentIDField, singleValue)
		a.Field("species", singleValue)
		a.Field("sex", singleValue)
		return a
	case EntityProjects:
		return projectSummaryAggregator()
	case EntityFiles:
		return fileSummaryAggregator()
	default:
		return nil
	}
}

type sampleTransformer struct{}

func (t *sampleTransformer) EntityType() document.EntityType { return EntitySamples }

func (t *sampleTransformer) FieldTypes() transform.FieldTypes {
	return transform.FieldTypes{
		"samples.organ":        transform.FieldTypeString,
		"samples.preservation": transform.FieldTypeString,
	}
}

func (t *sampleTransformer) Estimate(b *Bundle, p transform.BundlePartition) int {
	n := 0
	for name := range b.MetadataFiles {
		if strings.HasPrefix(name, "sample_") {
			n++
		}
	}
	return n
}

func (t *sampleTransformer) Transform(b *Bundle, p transform.BundlePartition) ([]transform.Result, error) {
	view, err := parseBundle(b)
	if err != nil {
		return nil, err
	}
	var out []transform.Result
	for _, s := range view.samples {
		id := s[aggregate.DocumentIDField].(string)
		if !p.Contains(id) {
			continue
		}
		out = append(out, contribution(b, EntitySamples, id, map[string]any{
			"samples":  []any{anyEntity(s)},
			"projects": []any{anyEntity(view.project)},
		}))
	}
	return out, nil
}

func (t *sampleTransformer) Aggregator(entityType document.EntityType) aggregate.Aggregator {
	switch entityType {
	case EntitySamples:
		a := aggregate.NewSimple()
		a.Field(aggregate.DocumentIDField, singleValue)
		a.Field("organ", singleValue)
		return a
	case EntityProjects:
		return projectSummaryAggregator()
	default:
		return nil
	}
}

// bundleTransformer emits one contribution per bundle, 1:1 with its entity.
// It returns no aggregator at all: bundle documents are never aggregated.
type bundleTransformer struct{}

func (t *bundleTransformer) EntityType() document.EntityType { return EntityBundles }

func (t *bundleTransformer) FieldTypes() transform.FieldTypes {
	return transform.FieldTypes{
		"bundles.uuid":    transform.FieldTypeString,
		"bundles.version": transform.FieldTypeString,
	}
}

func (t *bundleTransformer) Estimate(b *Bundle, p transform.BundlePartition) int {
	return 1
}

func (t *bundleTransformer) Transform(b *Bundle, p transform.BundlePartition) ([]transform.Result, error) {
	view, err := parseBundle(b)
	if err != nil {
		return nil, err
	}
	id := strings.ToLower(b.FQID.UUID.String())
	if !p.Contains(id) {
		return nil, nil
	}
	c := contribution(b, EntityBundles, id, map[string]any{
		"bundles": []any{map[string]any{
			"uuid":      id,
			"version":   b.FQID.Version,
			"source_id": b.FQID.SourceID,
		}},
		"projects": []any{anyEntity(view.project)},
	})
	return []transform.Result{c}, nil
}

func (t *bundleTransformer) Aggregator(entityType document.EntityType) aggregate.Aggregator {
	return nil
}

// Bundle aliases the transform bundle for readability above.
type Bundle = transform.Bundle

func anyEntity(e aggregate.Entity) map[string]any { return e }

func entitiesToAny(in []aggregate.Entity) []any {
	out := make([]any, 0, len(in))
	for _, e := range in {
		out = append(out, anyEntity(e))
	}
	return out
}
