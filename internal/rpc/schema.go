package rpc

// ArgSpec describes one argument slot in a (class, method)'s combined
// constructor+call argument list (§4.F "Schema"). Optional args not
// present in a request's params are filled from Default.
type ArgSpec struct {
	Name     string
	Optional bool
	Default  interface{}
}

// ExtractKind selects how a method's Go return value is reshaped before
// being sent to the client, per §9's Override sum type.
type ExtractKind int

const (
	// ExtractNone returns the call result unchanged.
	ExtractNone ExtractKind = iota
	// ExtractField returns a single named field of a map/struct result.
	ExtractField
	// ExtractReshape runs an arbitrary transform over the result.
	ExtractReshape
)

// Extract configures how a method's raw return value becomes the wire
// result.
type Extract struct {
	Kind    ExtractKind
	Field   string
	Reshape func(interface{}) (interface{}, error)
}

// Override replaces all or part of a method's default dispatch. Replace,
// if set, entirely substitutes the bound call (the facade's method is
// never invoked); Extract always runs afterward on whatever value comes
// out of Replace or the default call.
type Override struct {
	Replace func(facade interface{}, args map[string]interface{}) (interface{}, error)
	Extract Extract
}

// ConstructFunc builds the facade object a method entry's Call will be
// invoked against, from the subset of keyed params named by CtorArgs.
type ConstructFunc func(ctorParams map[string]interface{}) (interface{}, error)

// CallFunc is the default bound-method invocation: facade is whatever
// the ConstructFunc returned; args holds the method's own argument slots (i.e.
// AllArgs minus CtorArgs), keyed by name with optional defaults already
// substituted.
type CallFunc func(facade interface{}, args map[string]interface{}) (interface{}, error)

// MethodEntry is one row of the method registry (§4.F, §9): the full
// argument descriptor list, which names go to the facade constructor,
// the default call, and an optional override.
type MethodEntry struct {
	Class    string
	Method   string
	AllArgs  []ArgSpec
	CtorArgs []string
	Construct ConstructFunc
	Call      CallFunc
	Override  *Override
}

func (e *MethodEntry) isCtorArg(name string) bool {
	for _, c := range e.CtorArgs {
		if c == name {
			return true
		}
	}
	return false
}

// methodArgs returns AllArgs minus CtorArgs, preserving declaration
// order, per §4.F: "the dispatcher uses allArgs − ctorArgs as the
// method's argument list."
func (e *MethodEntry) methodArgs() []ArgSpec {
	var out []ArgSpec
	for _, a := range e.AllArgs {
		if !e.isCtorArg(a.Name) {
			out = append(out, a)
		}
	}
	return out
}
