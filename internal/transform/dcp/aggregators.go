package dcp

import (
	"github.com/biostack-io/bundle-indexer/internal/accumulator"
	"github.com/biostack-io/bundle-indexer/internal/aggregate"
)

func singleValue() accumulator.Accumulator { return accumulator.NewSingleValue() }

func set(n int) accumulator.Factory {
	return func() accumulator.Accumulator { return accumulator.NewSet(n) }
}

// fileSummaryAggregator buckets a parent entity's files by format and counts
// each file once no matter how many bundles list it. Numeric file fields
// (size) fold as distinct sums through the transformer-declared field types.
func fileSummaryAggregator() *aggregate.GroupingAggregator {
	g := aggregate.NewGrouping("format")
	g.Defaults((&fileTransformer{}).FieldTypes().DefaultsFor(EntityFiles))
	g.Field("format", singleValue)
	g.FieldAs(aggregate.DocumentIDField, "count", func() accumulator.Accumulator {
		return accumulator.NewUniqueValueCount()
	})
	g.Drop("name")
	g.Drop("sha256")
	g.Drop("version")
	return g
}

// donorSummaryAggregator condenses a parent entity's donors to a count plus
// species/stage sets and a sex histogram.
func donorSummaryAggregator() *aggregate.SimpleAggregator {
	a := aggregate.NewSimple()
	a.FieldAs(aggregate.DocumentIDField, "count", func() accumulator.Accumulator {
		return accumulator.NewUniqueValueCount()
	})
	a.Field("species", set(50))
	a.Field("development_stage", set(50))
	a.Field("sex", func() accumulator.Accumulator {
		return accumulator.NewFrequencySet(10)
	})
	return a
}

func sampleSummaryAggregator() *aggregate.SimpleAggregator {
	a := aggregate.NewSimple()
	a.FieldAs(aggregate.DocumentIDField, "count", func() accumulator.Accumulator {
		return accumulator.NewUniqueValueCount()
	})
	a.Field("organ", set(100))
	a.Field("preservation", set(20))
	return a
}

// projectSummaryAggregator is the project stub carried on non-project
// aggregates: uniform identity fields, everything else set-valued.
func projectSummaryAggregator() *aggregate.SimpleAggregator {
	a := aggregate.NewSimple()
	a.Field(aggregate.DocumentIDField, singleValue)
	a.Field("short_name", singleValue)
	a.Field("title", singleValue)
	return a
}
