package schema

import (
	"github.com/zclconf/go-cty/cty"
)

var ctyPrimitiveTypes = map[PrimitiveType]cty.Type{
	String:  cty.String,
	Long:    cty.Number,
	Integer: cty.Number,
	Double:  cty.Number,
	Boolean: cty.Bool,
}

// CtyType returns the value type the evaluator should produce for a value
// of this schema type.
func (t *Type) CtyType() cty.Type {
	if t.PrimitiveType != "" {
		return ctyPrimitiveTypes[t.PrimitiveType]
	}

	switch t.TypeName {
	case "List":
		if t.ItemPrimitiveType != "" {
			return cty.List(ctyPrimitiveTypes[t.ItemPrimitiveType])
		}
		return cty.List(t.ItemPropertyType.CtyType())

	case "Map":
		if t.ItemPrimitiveType != "" {
			return cty.Map(ctyPrimitiveTypes[t.ItemPrimitiveType])
		}
		return cty.Map(t.ItemPropertyType.CtyType())
	}

	return t.PropertyType.CtyType()
}

// CtyType returns an object type with one optional attribute per declared
// property, so that omitted properties appear as null values rather than
// conversion errors.
func (pt *PropertyType) CtyType() cty.Type {
	atys := map[string]cty.Type{}
	var optional []string
	for name, prop := range pt.Properties {
		atys[name] = prop.CtyType()
		if !prop.Required {
			optional = append(optional, name)
		}
	}
	return cty.ObjectWithOptionalAttrs(atys, optional)
}

// PropertiesCtyType is the object type describing the full property bag of
// a resource type.
func (rt *ResourceType) PropertiesCtyType() cty.Type {
	atys := map[string]cty.Type{}
	var optional []string
	for name, prop := range rt.Properties {
		atys[name] = prop.CtyType()
		if !prop.Required {
			optional = append(optional, name)
		}
	}
	return cty.ObjectWithOptionalAttrs(atys, optional)
}
