package mswriter

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Table names a table of a Measurement Set.
type Table string

const (
	Main            Table = "MAIN"
	Polarization    Table = "POLARIZATION"
	DataDescription Table = "DATA_DESCRIPTION"
	State           Table = "STATE"
	LazyIndex       Table = "LAZY_INDEX"
)

// DimensionTables lists the dimension tables in write order.
var DimensionTables = []Table{Polarization, DataDescription, State}

func mainSchema(lazy bool) *arrow.Schema {
	i32 := arrow.PrimitiveTypes.Int32
	f64 := arrow.PrimitiveTypes.Float64
	fields := []arrow.Field{
		{Name: "TIME", Type: f64},
		{Name: "INTERVAL", Type: f64},
		{Name: "EXPOSURE", Type: f64},
		{Name: "TIME_CENTROID", Type: f64},
		{Name: "ANTENNA1", Type: i32},
		{Name: "ANTENNA2", Type: i32},
		{Name: "FEED1", Type: i32},
		{Name: "FEED2", Type: i32},
		{Name: "DATA_DESC_ID", Type: i32},
		{Name: "FIELD_ID", Type: i32},
		{Name: "SCAN_NUMBER", Type: i32},
		{Name: "ARRAY_ID", Type: i32},
		{Name: "OBSERVATION_ID", Type: i32},
		{Name: "STATE_ID", Type: i32},
		{Name: "PROCESSOR_ID", Type: i32},
		{Name: "UVW", Type: arrow.FixedSizeListOf(3, f64)},
		{Name: "FLAG_ROW", Type: arrow.FixedWidthTypes.Boolean},
	}
	if !lazy {
		fields = append(fields,
			arrow.Field{Name: "DATA", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			arrow.Field{Name: "FLAG", Type: arrow.ListOf(arrow.FixedWidthTypes.Boolean)},
		)
	}
	fields = append(fields,
		arrow.Field{Name: "WEIGHT", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		arrow.Field{Name: "SIGMA", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	)
	return arrow.NewSchema(fields, nil)
}

var polarizationSchema = arrow.NewSchema([]arrow.Field{
	{Name: "NUM_CORR", Type: arrow.PrimitiveTypes.Int32},
	{Name: "CORR_TYPE", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "CORR_PRODUCT", Type: arrow.ListOf(arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Int32))},
	{Name: "FLAG_ROW", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

var dataDescriptionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "SPECTRAL_WINDOW_ID", Type: arrow.PrimitiveTypes.Int32},
	{Name: "POLARIZATION_ID", Type: arrow.PrimitiveTypes.Int32},
	{Name: "FLAG_ROW", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

var stateSchema = arrow.NewSchema([]arrow.Field{
	{Name: "SIG", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "REF", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "CAL", Type: arrow.PrimitiveTypes.Float64},
	{Name: "LOAD", Type: arrow.PrimitiveTypes.Float64},
	{Name: "SUB_SCAN", Type: arrow.PrimitiveTypes.Int32},
	{Name: "OBS_MODE", Type: arrow.BinaryTypes.String},
	{Name: "FLAG_ROW", Type: arrow.FixedWidthTypes.Boolean},
}, nil)
