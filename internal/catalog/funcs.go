package catalog

import "errors"

// VarArgs marks a function without an upper argument limit.
const VarArgs = -1

// Func describes a callable SQL function.
type Func struct {
	Name      string
	MinArgs   int
	MaxArgs   int // VarArgs for no limit
	Aggregate bool
	MinMax    bool // min() or max() aggregate
	Returns   FieldType
}

func (f *Func) accepts(n int) bool {
	if n < f.MinArgs {
		return false
	}
	return f.MaxArgs == VarArgs || n <= f.MaxArgs
}

var (
	// ErrNoSuchFunction means no function of that name exists.
	ErrNoSuchFunction = errors.New("no such function")
	// ErrWrongArity means the name exists but not with that argument count.
	ErrWrongArity = errors.New("wrong number of arguments")
)

// FuncRegistry maps function names to their overloads.
type FuncRegistry struct {
	byName map[string][]*Func
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{byName: make(map[string][]*Func)}
}

// Register adds an overload. Overloads are tried in registration order.
func (r *FuncRegistry) Register(f *Func) {
	key := FoldName(f.Name)
	r.byName[key] = append(r.byName[key], f)
}

// Lookup finds the overload of name accepting nargs arguments.
func (r *FuncRegistry) Lookup(name string, nargs int) (*Func, error) {
	overloads, ok := r.byName[FoldName(name)]
	if !ok {
		return nil, ErrNoSuchFunction
	}
	for _, f := range overloads {
		if f.accepts(nargs) {
			return f, nil
		}
	}
	return nil, ErrWrongArity
}

// Builtins returns a registry holding the standard scalar and aggregate
// functions.
func Builtins() *FuncRegistry {
	r := NewFuncRegistry()
	for _, f := range []*Func{
		{Name: "count", MinArgs: 0, MaxArgs: 1, Aggregate: true, Returns: TypeInteger},
		{Name: "sum", MinArgs: 1, MaxArgs: 1, Aggregate: true, Returns: TypeNumber},
		{Name: "total", MinArgs: 1, MaxArgs: 1, Aggregate: true, Returns: TypeDouble},
		{Name: "avg", MinArgs: 1, MaxArgs: 1, Aggregate: true, Returns: TypeDouble},
		{Name: "min", MinArgs: 1, MaxArgs: 1, Aggregate: true, MinMax: true, Returns: TypeScalar},
		{Name: "max", MinArgs: 1, MaxArgs: 1, Aggregate: true, MinMax: true, Returns: TypeScalar},
		{Name: "min", MinArgs: 2, MaxArgs: VarArgs, Returns: TypeScalar},
		{Name: "max", MinArgs: 2, MaxArgs: VarArgs, Returns: TypeScalar},
		{Name: "group_concat", MinArgs: 1, MaxArgs: 2, Aggregate: true, Returns: TypeString},
		{Name: "abs", MinArgs: 1, MaxArgs: 1, Returns: TypeNumber},
		{Name: "round", MinArgs: 1, MaxArgs: 2, Returns: TypeDouble},
		{Name: "length", MinArgs: 1, MaxArgs: 1, Returns: TypeInteger},
		{Name: "lower", MinArgs: 1, MaxArgs: 1, Returns: TypeString},
		{Name: "upper", MinArgs: 1, MaxArgs: 1, Returns: TypeString},
		{Name: "trim", MinArgs: 1, MaxArgs: 2, Returns: TypeString},
		{Name: "substr", MinArgs: 2, MaxArgs: 3, Returns: TypeString},
		{Name: "replace", MinArgs: 3, MaxArgs: 3, Returns: TypeString},
		{Name: "typeof", MinArgs: 1, MaxArgs: 1, Returns: TypeString},
		{Name: "quote", MinArgs: 1, MaxArgs: 1, Returns: TypeString},
		{Name: "printf", MinArgs: 1, MaxArgs: VarArgs, Returns: TypeString},
		{Name: "coalesce", MinArgs: 2, MaxArgs: VarArgs, Returns: TypeScalar},
		{Name: "ifnull", MinArgs: 2, MaxArgs: 2, Returns: TypeScalar},
		{Name: "nullif", MinArgs: 2, MaxArgs: 2, Returns: TypeScalar},
		{Name: "likely", MinArgs: 1, MaxArgs: 1, Returns: TypeBoolean},
		{Name: "unlikely", MinArgs: 1, MaxArgs: 1, Returns: TypeBoolean},
		{Name: "likelihood", MinArgs: 2, MaxArgs: 2, Returns: TypeBoolean},
		{Name: "random", MinArgs: 0, MaxArgs: 0, Returns: TypeInteger},
		{Name: "like", MinArgs: 2, MaxArgs: 3, Returns: TypeBoolean},
	} {
		r.Register(f)
	}
	return r
}
