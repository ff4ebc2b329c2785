package mswriter

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/basekick-labs/asdm2ms/internal/expand"
)

// mainArrays concatenates buffered batches into MAIN columns, in schema order.
func (w *Writer) mainArrays(batches []*expand.Columns) ([]arrow.Array, error) {
	mem := allocator
	f64 := func(get func(c *expand.Columns) []float64) arrow.Array {
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, c := range batches {
			b.AppendValues(get(c), nil)
		}
		return b.NewArray()
	}
	i32 := func(get func(c *expand.Columns) []int32) arrow.Array {
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for _, c := range batches {
			b.AppendValues(get(c), nil)
		}
		return b.NewArray()
	}
	f32List := func(get func(c *expand.Columns) [][]float32) arrow.Array {
		b := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		defer b.Release()
		vb := b.ValueBuilder().(*array.Float32Builder)
		for _, c := range batches {
			for _, v := range get(c) {
				b.Append(true)
				vb.AppendValues(v, nil)
			}
		}
		return b.NewArray()
	}

	arrays := []arrow.Array{
		f64(func(c *expand.Columns) []float64 { return c.Time }),
		f64(func(c *expand.Columns) []float64 { return c.Interval }),
		f64(func(c *expand.Columns) []float64 { return c.Exposure }),
		f64(func(c *expand.Columns) []float64 { return c.TimeCentroid }),
		i32(func(c *expand.Columns) []int32 { return c.Antenna1 }),
		i32(func(c *expand.Columns) []int32 { return c.Antenna2 }),
		i32(func(c *expand.Columns) []int32 { return c.Feed1 }),
		i32(func(c *expand.Columns) []int32 { return c.Feed2 }),
		i32(func(c *expand.Columns) []int32 { return c.DataDescID }),
		i32(func(c *expand.Columns) []int32 { return c.FieldID }),
		i32(func(c *expand.Columns) []int32 { return c.ScanNumber }),
		i32(func(c *expand.Columns) []int32 { return c.ArrayID }),
		i32(func(c *expand.Columns) []int32 { return c.ObservationID }),
		i32(func(c *expand.Columns) []int32 { return c.StateID }),
		i32(func(c *expand.Columns) []int32 { return c.ProcessorID }),
	}

	uvw := array.NewFixedSizeListBuilder(mem, 3, arrow.PrimitiveTypes.Float64)
	uvwValues := uvw.ValueBuilder().(*array.Float64Builder)
	flagRow := array.NewBooleanBuilder(mem)
	for _, c := range batches {
		for _, t := range c.UVW {
			uvw.Append(true)
			uvwValues.AppendValues(t[:], nil)
		}
		flagRow.AppendValues(c.FlagRow, nil)
	}
	arrays = append(arrays, uvw.NewArray(), flagRow.NewArray())
	uvw.Release()
	flagRow.Release()

	if !w.cfg.Lazy {
		arrays = append(arrays, f32List(func(c *expand.Columns) [][]float32 { return c.Data }))
		flag := array.NewListBuilder(mem, arrow.FixedWidthTypes.Boolean)
		flagValues := flag.ValueBuilder().(*array.BooleanBuilder)
		for _, c := range batches {
			for _, v := range c.Flag {
				flag.Append(true)
				flagValues.AppendValues(v, nil)
			}
		}
		arrays = append(arrays, flag.NewArray())
		flag.Release()
	}

	arrays = append(arrays,
		f32List(func(c *expand.Columns) [][]float32 { return c.Weight }),
		f32List(func(c *expand.Columns) [][]float32 { return c.Sigma }),
	)

	if len(arrays) != w.mainSchema.NumFields() {
		for _, a := range arrays {
			a.Release()
		}
		return nil, fmt.Errorf("MAIN has %d columns, schema %d", len(arrays), w.mainSchema.NumFields())
	}
	return arrays, nil
}

// dimensionArrays builds the columns of one dimension table.
func (w *Writer) dimensionArrays(h *Handle, t Table) (*arrow.Schema, []arrow.Array, error) {
	mem := allocator
	switch t {
	case Polarization:
		numCorr := array.NewInt32Builder(mem)
		corrType := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
		corrTypeValues := corrType.ValueBuilder().(*array.Int32Builder)
		corrProduct := array.NewListBuilder(mem, arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Int32))
		pairs := corrProduct.ValueBuilder().(*array.FixedSizeListBuilder)
		pairValues := pairs.ValueBuilder().(*array.Int32Builder)
		flagRow := array.NewBooleanBuilder(mem)
		defer func() {
			numCorr.Release()
			corrType.Release()
			corrProduct.Release()
			flagRow.Release()
		}()

		for _, p := range h.polarization {
			numCorr.Append(int32(p.NumCorr()))
			corrType.Append(true)
			corrTypeValues.AppendValues(p.CorrType, nil)
			corrProduct.Append(true)
			for _, pr := range p.CorrProduct {
				pairs.Append(true)
				pairValues.AppendValues(pr[:], nil)
			}
			flagRow.Append(p.FlagRow)
		}
		return polarizationSchema, []arrow.Array{
			numCorr.NewArray(), corrType.NewArray(), corrProduct.NewArray(), flagRow.NewArray(),
		}, nil

	case DataDescription:
		spw := array.NewInt32Builder(mem)
		pol := array.NewInt32Builder(mem)
		flagRow := array.NewBooleanBuilder(mem)
		defer func() {
			spw.Release()
			pol.Release()
			flagRow.Release()
		}()
		for _, d := range h.dataDesc {
			spw.Append(d.SpectralWindowID)
			pol.Append(d.PolarizationID)
			flagRow.Append(d.FlagRow)
		}
		return dataDescriptionSchema, []arrow.Array{spw.NewArray(), pol.NewArray(), flagRow.NewArray()}, nil

	case State:
		sig := array.NewBooleanBuilder(mem)
		ref := array.NewBooleanBuilder(mem)
		cal := array.NewFloat64Builder(mem)
		load := array.NewFloat64Builder(mem)
		subScan := array.NewInt32Builder(mem)
		obsMode := array.NewStringBuilder(mem)
		flagRow := array.NewBooleanBuilder(mem)
		defer func() {
			sig.Release()
			ref.Release()
			cal.Release()
			load.Release()
			subScan.Release()
			obsMode.Release()
			flagRow.Release()
		}()
		for _, s := range h.state {
			sig.Append(s.Sig)
			ref.Append(s.Ref)
			cal.Append(s.Cal)
			load.Append(s.Load)
			subScan.Append(s.SubScan)
			obsMode.Append(s.ObsMode)
			flagRow.Append(s.FlagRow)
		}
		return stateSchema, []arrow.Array{
			sig.NewArray(), ref.NewArray(), cal.NewArray(), load.NewArray(),
			subScan.NewArray(), obsMode.NewArray(), flagRow.NewArray(),
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown dimension table %s", t)
}
