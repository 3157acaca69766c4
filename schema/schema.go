package schema

// Schema is a catalog of resource types understood by a provider. The
// catalog tells the parser which types and properties are legal, tells the
// evaluator what value type each property has, and tells the planner which
// property changes can be applied in place and which force replacement.
type Schema struct {
	ResourceTypes  map[string]*ResourceType `json:"ResourceTypes"`
	CatalogVersion string                   `json:"CatalogVersion"`
	PropertyTypes  map[string]*PropertyType `json:"PropertyTypes"`
}

type ResourceType struct {
	Name          string                `json:"-"`
	Documentation string                `json:"Documentation"`
	Attributes    map[string]*Attribute `json:"Attributes"`
	Properties    map[string]*Property  `json:"Properties"`

	// ToleratesDependencyReplacement declares that instances of this type
	// remain functional while a resource they depend on is transiently
	// absent during destroy-and-recreate. The planner refuses to replace a
	// resource whose dependents do not declare this.
	ToleratesDependencyReplacement bool `json:"ToleratesDependencyReplacement"`
}

type PropertyType struct {
	Name          string               `json:"-"`
	ResourceType  *ResourceType        `json:"-"`
	Documentation string               `json:"Documentation"`
	Properties    map[string]*Property `json:"Properties"`
}

type Property struct {
	Name              string     `json:"-"`
	Documentation     string     `json:"Documentation"`
	DuplicatesAllowed bool       `json:"DuplicatesAllowed"`
	Required          bool       `json:"Required"`
	UpdateType        UpdateType `json:"UpdateType"`
	Type
}

type Attribute struct {
	Name string `json:"-"`
	Type
}

type Type struct {
	TypeName          string        `json:"Type"`
	PropertyType      *PropertyType `json:"-"`
	PrimitiveType     PrimitiveType `json:"PrimitiveType"`
	ItemTypeName      string        `json:"ItemType"`
	ItemPropertyType  *PropertyType `json:"-"`
	ItemPrimitiveType PrimitiveType `json:"ItemPrimitiveType"`
}

type PrimitiveType string

const (
	String  PrimitiveType = "String"
	Long    PrimitiveType = "Long"
	Integer PrimitiveType = "Integer"
	Double  PrimitiveType = "Double"
	Boolean PrimitiveType = "Boolean"
)

// UpdateType classifies how a change to a property can be applied.
// Immutable property changes force destroy-and-recreate of the resource.
type UpdateType string

const (
	Mutable   UpdateType = "Mutable"
	Immutable UpdateType = "Immutable"
)

// ForcesReplacement returns true if a change to this property cannot be
// applied in place. Properties with no declared update type are treated as
// mutable.
func (p *Property) ForcesReplacement() bool {
	return p.UpdateType == Immutable
}
