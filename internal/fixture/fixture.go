package fixture

// Fixture is one compilable query together with the schema it runs
// against.
type Fixture struct {
	// Name identifies the fixture; golden files are named after it.
	Name string `yaml:"name" json:"name"`

	// Description says what the fixture exercises.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Tables is the catalog the query is resolved against.
	Tables []TableDef `yaml:"tables" json:"tables"`

	// Query is the SELECT to compile.
	Query QueryDef `yaml:"query" json:"query"`

	// Plan fixes the loop of each FROM item of the outermost SELECT.
	// Without a plan every item is scanned in FROM order.
	Plan *PlanDef `yaml:"plan,omitempty" json:"plan,omitempty"`

	// Expect holds the expected outcome when compilation should fail.
	Expect *Expectation `yaml:"expect,omitempty" json:"expect,omitempty"`

	// Path is the file the fixture was loaded from.
	Path string `yaml:"-" json:"-"`
}

// TableDef declares a table.
type TableDef struct {
	Name    string      `yaml:"name" json:"name"`
	Columns []ColumnDef `yaml:"columns" json:"columns"`

	// Indexes lists the indexes of the table, primary key first. A table
	// without indexes gets a primary key over its first column.
	Indexes []IndexDef `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

// ColumnDef declares a column. Type is a catalog field type name; empty
// means any.
type ColumnDef struct {
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type,omitempty" json:"type,omitempty"`
	NotNull   bool   `yaml:"not_null,omitempty" json:"not_null,omitempty"`
	Collation string `yaml:"collation,omitempty" json:"collation,omitempty"`
}

// IndexDef declares an index. Each entry of Columns is a column name,
// optionally followed by " desc".
type IndexDef struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []string `yaml:"columns" json:"columns"`
	Unique  bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// QueryDef is one SELECT. Results are "expr" or "expr AS alias"; ORDER
// BY and GROUP BY entries may end in ASC or DESC.
type QueryDef struct {
	Select   []string  `yaml:"select" json:"select"`
	Distinct bool      `yaml:"distinct,omitempty" json:"distinct,omitempty"`
	From     []FromDef `yaml:"from,omitempty" json:"from,omitempty"`
	Where    string    `yaml:"where,omitempty" json:"where,omitempty"`
	GroupBy  []string  `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Having   string    `yaml:"having,omitempty" json:"having,omitempty"`
	OrderBy  []string  `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Limit    string    `yaml:"limit,omitempty" json:"limit,omitempty"`
	Offset   string    `yaml:"offset,omitempty" json:"offset,omitempty"`

	// Subqueries are the SELECTs expressions refer to as $name.
	Subqueries map[string]QueryDef `yaml:"subqueries,omitempty" json:"subqueries,omitempty"`
}

// FromDef is one FROM item: a table or a subquery, joined to the items
// before it.
type FromDef struct {
	Table    string    `yaml:"table,omitempty" json:"table,omitempty"`
	Subquery *QueryDef `yaml:"subquery,omitempty" json:"subquery,omitempty"`
	Alias    string    `yaml:"alias,omitempty" json:"alias,omitempty"`

	// Join is one of "", "inner", "left", "cross", "natural" or
	// "natural left".
	Join  string   `yaml:"join,omitempty" json:"join,omitempty"`
	On    string   `yaml:"on,omitempty" json:"on,omitempty"`
	Using []string `yaml:"using,omitempty" json:"using,omitempty"`
}

// exposedName mirrors ast.SrcItem.ExposedName.
func (d FromDef) exposedName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Table
}

// PlanDef is the loop nest of the outermost SELECT, outermost level
// first.
type PlanDef struct {
	Levels []LevelDef `yaml:"levels" json:"levels"`

	// DuplicatesOK lets OR scans return a row once per matching branch.
	DuplicatesOK bool `yaml:"duplicates_ok,omitempty" json:"duplicates_ok,omitempty"`
}

// LevelDef drives the FROM item named From with Loop.
type LevelDef struct {
	From string  `yaml:"from" json:"from"`
	Loop LoopDef `yaml:"loop" json:"loop"`
}

// LoopDef describes a loop. Terms are named by their resolved text.
//
// Strategy is "scan", "indexed", "or" or "coroutine". An indexed loop
// names its Index, skips the first Skip key columns, binds Eq to the
// following ones and may carry a Lower and an Upper bound; row-value
// bounds set LowerWidth and UpperWidth to the number of key columns
// they cover. An OR loop names the OR term in Term and lists one loop
// per disjunct in Branches; branch terms are named as they appear in
// that disjunct.
type LoopDef struct {
	Strategy   string    `yaml:"strategy" json:"strategy"`
	Index      string    `yaml:"index,omitempty" json:"index,omitempty"`
	Skip       int       `yaml:"skip,omitempty" json:"skip,omitempty"`
	Eq         []string  `yaml:"eq,omitempty" json:"eq,omitempty"`
	Lower      string    `yaml:"lower,omitempty" json:"lower,omitempty"`
	LowerWidth int       `yaml:"lower_width,omitempty" json:"lower_width,omitempty"`
	Upper      string    `yaml:"upper,omitempty" json:"upper,omitempty"`
	UpperWidth int       `yaml:"upper_width,omitempty" json:"upper_width,omitempty"`
	Reverse    bool      `yaml:"reverse,omitempty" json:"reverse,omitempty"`
	IndexOnly  bool      `yaml:"index_only,omitempty" json:"index_only,omitempty"`
	OneRow     bool      `yaml:"one_row,omitempty" json:"one_row,omitempty"`
	Term       string    `yaml:"term,omitempty" json:"term,omitempty"`
	Branches   []LoopDef `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// Expectation describes a compilation that must fail.
type Expectation struct {
	// Error is the diag code the failure carries, e.g. "UNRESOLVED".
	Error string `yaml:"error" json:"error"`

	// Message, when set, must appear in the error text.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Loop strategy names.
const (
	StrategyScan      = "scan"
	StrategyIndexed   = "indexed"
	StrategyOr        = "or"
	StrategyCoroutine = "coroutine"
)
