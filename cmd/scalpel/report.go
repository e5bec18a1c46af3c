package main

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-scalpel/internal/engine"
)

var reportSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "path", Type: arrow.BinaryTypes.String},
		{Name: "status", Type: arrow.BinaryTypes.String},
		{Name: "shape_mismatch", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "cosine_similarity", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "l2_norm_diff", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "max_abs_diff", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "mean_abs_diff", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	},
	nil,
)

// writeComparisonReport serializes one comparison as a single-batch Arrow IPC
// stream. Metric columns are null for components that were not eagerly diffed.
func writeComparisonReport(w io.Writer, components []engine.CompareEntry) error {
	pool := memory.NewGoAllocator()

	pathBuilder := array.NewStringBuilder(pool)
	defer pathBuilder.Release()
	statusBuilder := array.NewStringBuilder(pool)
	defer statusBuilder.Release()
	mismatchBuilder := array.NewBooleanBuilder(pool)
	defer mismatchBuilder.Release()

	metricBuilders := make([]*array.Float64Builder, 4)
	for i := range metricBuilders {
		metricBuilders[i] = array.NewFloat64Builder(pool)
		defer metricBuilders[i].Release()
	}

	for _, c := range components {
		pathBuilder.Append(c.Path)
		statusBuilder.Append(string(c.Status))
		mismatchBuilder.Append(c.ShapeMismatch)
		if c.Metrics == nil {
			for _, b := range metricBuilders {
				b.AppendNull()
			}
			continue
		}
		metricBuilders[0].Append(c.Metrics.CosineSimilarity)
		metricBuilders[1].Append(c.Metrics.L2NormDiff)
		metricBuilders[2].Append(c.Metrics.MaxAbsDiff)
		metricBuilders[3].Append(c.Metrics.MeanAbsDiff)
	}

	cols := []arrow.Array{
		pathBuilder.NewArray(),
		statusBuilder.NewArray(),
		mismatchBuilder.NewArray(),
		metricBuilders[0].NewArray(),
		metricBuilders[1].NewArray(),
		metricBuilders[2].NewArray(),
		metricBuilders[3].NewArray(),
	}
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	rec := array.NewRecordBatch(reportSchema, cols, int64(len(components)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
