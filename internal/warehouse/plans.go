package warehouse

import (
	"carsync/internal/feed"
	"carsync/internal/storage"
)

// Source IDs discriminate which upstream feed produced a fact row. They are
// part of the fact table's natural identity and must never be renumbered.
const (
	SourceWillhaben      = 1
	SourceGebrauchtwagen = 2
)

// Warehouse table names.
const (
	TableFactListing          = "fact_listing"
	TableListingLocation      = "listing_location"
	TableListingDescription   = "listing_description"
	TableListingSpecification = "listing_specification"
	TableListingImage         = "listing_image"
	TableListingSEO           = "listing_seo"

	TableDimMake      = "dim_make"
	TableDimModel     = "dim_model"
	TableDimFuel      = "dim_fuel"
	TableDimCarType   = "dim_car_type"
	TableDimColor     = "dim_color"
	TableDimCondition = "dim_condition"
	TableDimEquipment = "dim_equipment"

	TableStagingWillhaben      = "stg_willhaben"
	TableStagingGebrauchtwagen = "stg_gebrauchtwagen"
)

// Dimension resolution policy, per dimension:
//
//	make, model   lookup-or-insert (open vocabularies, defined by the data)
//	fuel, car_type, color, condition   lookup-only (closed enumerations,
//	    seeded from the mapping vocabulary by the reference stage)
//
// Auto-creating closed dimensions from free text would grow them with every
// typo the marketplace ships, so unknown closed values skip the row instead.
func DimMake() Dimension {
	return Dimension{Table: TableDimMake, KeyColumn: "make_name", IDColumn: "make_key", Domain: "make", Policy: LookupOrInsert}
}

func DimModel() Dimension {
	return Dimension{Table: TableDimModel, KeyColumn: "model_name", IDColumn: "model_key", Policy: LookupOrInsert}
}

func DimFuel() Dimension {
	return Dimension{Table: TableDimFuel, KeyColumn: "fuel_name", IDColumn: "fuel_key", Domain: "fuel", Policy: LookupOnly}
}

func DimCarType() Dimension {
	return Dimension{Table: TableDimCarType, KeyColumn: "car_type_name", IDColumn: "car_type_key", Domain: "car_type", Policy: LookupOnly}
}

func DimColor() Dimension {
	return Dimension{Table: TableDimColor, KeyColumn: "color_name", IDColumn: "color_key", Domain: "color", Policy: LookupOnly}
}

func DimCondition() Dimension {
	return Dimension{Table: TableDimCondition, KeyColumn: "condition_name", IDColumn: "condition_key", Domain: "condition", Policy: LookupOnly}
}

// WillhabenPlan is the sync plan for the willhaben feed: full attribute set,
// all child tables, car type required alongside make/model/fuel.
func WillhabenPlan() Plan {
	return Plan{
		Staging: TableStagingWillhaben,
		Fact:    TableFactListing,
		Columns: []string{
			"external_id", "make", "model", "specification", "description_head",
			"description", "heading", "year_model", "transmission", "mileage",
			"no_of_seats", "engine_effect", "engine_fuel", "car_type",
			"no_of_owners", "color", "condition", "address", "location",
			"postcode", "district", "state", "country", "coordinates", "price",
			"warranty", "published", "seo_url", "main_image_url", "all_image_urls",
		},
		Transforms: map[string]string{
			"make":             "clean",
			"model":            "clean",
			"engine_fuel":      "clean",
			"car_type":         "clean",
			"color":            "clean",
			"condition":        "clean",
			"year_model":       "year",
			"mileage":          "int",
			"engine_effect":    "int",
			"no_of_seats":      "int",
			"no_of_owners":     "int",
			"price":            "float",
			"published":        "epoch_time",
			"heading":          "clean",
			"description_head": "clean",
			"description":      "strip_html",
			"specification":    "clean",
			"transmission":     "clean",
			"warranty":         "clean",
		},
		Dimensions: []DimensionBinding{
			{Column: "make", FactColumn: "make_key", Dimension: DimMake(), Required: true},
			{Column: "model", FactColumn: "model_key", Dimension: DimModel(), Required: true},
			{Column: "engine_fuel", FactColumn: "fuel_key", Dimension: DimFuel(), Required: true},
			{Column: "car_type", FactColumn: "car_type_key", Dimension: DimCarType(), Required: true},
			{Column: "color", FactColumn: "color_key", Dimension: DimColor()},
			{Column: "condition", FactColumn: "condition_key", Dimension: DimCondition()},
		},
		Children: ChildSet{Location: true, Description: true, Specification: true, Image: true, SEO: true},
	}
}

// GebrauchtwagenPlan is the sync plan for the gebrauchtwagen feed: a narrow
// export with no car type, color or condition, and only a city for location.
func GebrauchtwagenPlan() Plan {
	return Plan{
		Staging: TableStagingGebrauchtwagen,
		Fact:    TableFactListing,
		Columns: []string{
			"external_id", "make", "model", "mileage", "engine_effect",
			"engine_fuel", "year_model", "location", "price",
		},
		Transforms: map[string]string{
			"make":          "clean",
			"model":         "clean",
			"engine_fuel":   "clean",
			"year_model":    "year",
			"mileage":       "int",
			"engine_effect": "int",
			"price":         "float",
			"location":      "clean",
		},
		Dimensions: []DimensionBinding{
			{Column: "make", FactColumn: "make_key", Dimension: DimMake(), Required: true},
			{Column: "model", FactColumn: "model_key", Dimension: DimModel(), Required: true},
			{Column: "engine_fuel", FactColumn: "fuel_key", Dimension: DimFuel(), Required: true},
		},
		Children: ChildSet{Location: true},
	}
}

// ReferenceJobs are the staging-sourced dimension movements that run before
// any fact sync. Equipment is the one data-driven reference table: the
// staging field is a ";"-joined list that explodes to one row per item.
func ReferenceJobs() []ReferenceJob {
	return []ReferenceJob{
		{
			Source:     TableStagingWillhaben,
			Target:     TableDimEquipment,
			Columns:    []ColumnMap{{From: "equipment", To: "equipment_name"}},
			KeyColumns: []string{"equipment_name"},
			SplitOn:    ";",
			Distinct:   true,
		},
	}
}

// SeedTarget names a closed dimension and the mapping domain that feeds it.
type SeedTarget struct {
	Domain    string
	Table     string
	KeyColumn string
}

// SeedTargets lists the closed dimensions seeded from the mapping
// vocabulary. Keeping them lookup-only prevents free-text staging values
// from growing the enumerations.
func SeedTargets() []SeedTarget {
	return []SeedTarget{
		{Domain: "fuel", Table: TableDimFuel, KeyColumn: "fuel_name"},
		{Domain: "car_type", Table: TableDimCarType, KeyColumn: "car_type_name"},
		{Domain: "color", Table: TableDimColor, KeyColumn: "color_name"},
		{Domain: "condition", Table: TableDimCondition, KeyColumn: "condition_name"},
	}
}

func dimensionSpec(table, keyColumn, idColumn string) storage.TableSpec {
	return storage.TableSpec{
		Name:       table,
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{idColumn}, Identity: true},
		Columns: []storage.ColumnSpec{
			{Name: keyColumn, Type: "text(255)"},
		},
		Uniques: [][]string{{keyColumn}},
	}
}

// Tables returns the full warehouse schema in dependency order: sync log,
// dimensions, fact, children.
func Tables() []storage.TableSpec {
	fk := func(col, refTable, refCol string) storage.ForeignKeySpec {
		return storage.ForeignKeySpec{Columns: []string{col}, RefTable: refTable, RefColumns: []string{refCol}}
	}

	return []storage.TableSpec{
		SyncLogSpec(),

		dimensionSpec(TableDimMake, "make_name", "make_key"),
		dimensionSpec(TableDimModel, "model_name", "model_key"),
		dimensionSpec(TableDimFuel, "fuel_name", "fuel_key"),
		dimensionSpec(TableDimCarType, "car_type_name", "car_type_key"),
		dimensionSpec(TableDimColor, "color_name", "color_key"),
		dimensionSpec(TableDimCondition, "condition_name", "condition_key"),
		dimensionSpec(TableDimEquipment, "equipment_name", "equipment_key"),

		{
			Name:       TableFactListing,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}, Identity: true},
			Columns: []storage.ColumnSpec{
				{Name: "source_id", Type: "int"},
				{Name: "external_id", Type: "text(64)"},
				{Name: "make_key", Type: "bigint"},
				{Name: "model_key", Type: "bigint"},
				{Name: "fuel_key", Type: "bigint"},
				{Name: "car_type_key", Type: "bigint", Nullable: true},
				{Name: "color_key", Type: "bigint", Nullable: true},
				{Name: "condition_key", Type: "bigint", Nullable: true},
				{Name: "year_model", Type: "int", Nullable: true},
				{Name: "mileage", Type: "bigint", Nullable: true},
				{Name: "price", Type: "decimal(12,2)", Nullable: true},
				{Name: "engine_effect", Type: "int", Nullable: true},
				{Name: "published_at", Type: "timestamp", Nullable: true},
				{Name: "loaded_at", Type: "timestamp"},
			},
			Uniques: [][]string{{"source_id", "external_id"}},
			ForeignKeys: []storage.ForeignKeySpec{
				fk("make_key", TableDimMake, "make_key"),
				fk("model_key", TableDimModel, "model_key"),
				fk("fuel_key", TableDimFuel, "fuel_key"),
				fk("car_type_key", TableDimCarType, "car_type_key"),
				fk("color_key", TableDimColor, "color_key"),
				fk("condition_key", TableDimCondition, "condition_key"),
			},
		},

		{
			Name:       TableListingLocation,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}},
			Columns: []storage.ColumnSpec{
				{Name: "listing_key", Type: "bigint"},
				{Name: "address", Type: "text(255)", Nullable: true},
				{Name: "city", Type: "text(255)", Nullable: true},
				{Name: "postcode", Type: "text(16)", Nullable: true},
				{Name: "district", Type: "text(255)", Nullable: true},
				{Name: "state", Type: "text(255)", Nullable: true},
				{Name: "country", Type: "text(255)", Nullable: true},
				{Name: "latitude", Type: "float", Nullable: true},
				{Name: "longitude", Type: "float", Nullable: true},
			},
			ForeignKeys: []storage.ForeignKeySpec{
				fk("listing_key", TableFactListing, "listing_key"),
			},
		},
		{
			Name:       TableListingDescription,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}},
			Columns: []storage.ColumnSpec{
				{Name: "listing_key", Type: "bigint"},
				{Name: "heading", Type: "text(255)", Nullable: true},
				{Name: "summary", Type: "text(255)", Nullable: true},
				{Name: "body", Type: "text", Nullable: true},
			},
			ForeignKeys: []storage.ForeignKeySpec{
				fk("listing_key", TableFactListing, "listing_key"),
			},
		},
		{
			Name:       TableListingSpecification,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}},
			Columns: []storage.ColumnSpec{
				{Name: "listing_key", Type: "bigint"},
				{Name: "specification", Type: "text(255)", Nullable: true},
				{Name: "transmission", Type: "text(64)", Nullable: true},
				{Name: "seats", Type: "int", Nullable: true},
				{Name: "owners", Type: "int", Nullable: true},
				{Name: "warranty", Type: "text(255)", Nullable: true},
			},
			ForeignKeys: []storage.ForeignKeySpec{
				fk("listing_key", TableFactListing, "listing_key"),
			},
		},
		{
			Name:       TableListingImage,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"source_id", "external_id"}},
			Columns: []storage.ColumnSpec{
				{Name: "source_id", Type: "int"},
				{Name: "external_id", Type: "text(64)"},
				{Name: "main_url", Type: "text(255)", Nullable: true},
				{Name: "all_urls", Type: "text", Nullable: true},
			},
			ForeignKeys: []storage.ForeignKeySpec{
				{Columns: []string{"source_id", "external_id"}, RefTable: TableFactListing, RefColumns: []string{"source_id", "external_id"}},
			},
		},
		{
			Name:       TableListingSEO,
			PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"source_id", "external_id"}},
			Columns: []storage.ColumnSpec{
				{Name: "source_id", Type: "int"},
				{Name: "external_id", Type: "text(64)"},
				{Name: "seo_url", Type: "text(255)", Nullable: true},
			},
			ForeignKeys: []storage.ForeignKeySpec{
				{Columns: []string{"source_id", "external_id"}, RefTable: TableFactListing, RefColumns: []string{"source_id", "external_id"}},
			},
		},
	}
}

func stagingTextColumns(names []string, long map[string]bool) []storage.ColumnSpec {
	cols := make([]storage.ColumnSpec, 0, len(names)+1)
	for _, n := range names {
		typ := "text(255)"
		if long[n] {
			typ = "text(4000)"
		}
		cols = append(cols, storage.ColumnSpec{Name: n, Type: typ, Nullable: n != "external_id"})
	}
	cols = append(cols, storage.ColumnSpec{Name: "sync_ts", Type: "timestamp"})
	return cols
}

// StagingTables returns the landing tables the feed loader writes. All
// scraped values land as text; typing happens in the sync transforms.
// Re-loading an export is absorbed by the (external_id, sync_ts) dedupe.
func StagingTables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name: TableStagingWillhaben,
			Columns: stagingTextColumns(feed.WillhabenColumns,
				map[string]bool{"description": true, "equipment": true, "all_image_urls": true}),
			Uniques: [][]string{{"external_id", "sync_ts"}},
		},
		{
			Name:    TableStagingGebrauchtwagen,
			Columns: stagingTextColumns(feed.GebrauchtwagenColumns, nil),
			Uniques: [][]string{{"external_id", "sync_ts"}},
		},
	}
}
