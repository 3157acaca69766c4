package config

import (
	"github.com/hashicorp/hcl/v2"
)

// Module is a complete template: the merged content of all template files
// in one directory. A Module should not be modified once returned by the
// parser.
type Module struct {
	SourcePath string
	Files      map[string]*File

	Description hcl.Expression
	Parameters  map[string]*Parameter
	Conditions  map[string]*hcl.Attribute
	Mappings    map[string]*hcl.Attribute
	Resources   map[string]*Resource
	Outputs     map[string]*Output
}

// File is the content of a single template file.
type File struct {
	SourcePath string
	SourceAST  *hcl.File
	Source     []byte

	Description *hcl.Attribute
	Parameters  []*Parameter
	Conditions  []*hcl.Attribute
	Mappings    []*hcl.Attribute
	Resources   []*Resource
	Outputs     []*Output
}

type Parameter struct {
	Name      string
	Type      string
	DeclRange hcl.Range

	Description           hcl.Expression
	Default               hcl.Expression
	AllowedPattern        hcl.Expression
	AllowedValues         hcl.Expression
	ConstraintDescription hcl.Expression
	MinLength             hcl.Expression
	MaxLength             hcl.Expression
	MinValue              hcl.Expression
	MaxValue              hcl.Expression
	Obscure               hcl.Expression
}

type Resource struct {
	LogicalID string
	Type      string
	DeclRange hcl.Range

	// ConditionName is the name of the condition gating inclusion of this
	// resource, or empty if the resource is unconditional.
	ConditionName  string
	ConditionRange hcl.Range

	Properties     hcl.Attributes
	DependsOn      []string
	DeletionPolicy string
}

type Output struct {
	Name      string
	DeclRange hcl.Range

	Description hcl.Expression
	Value       hcl.Expression
	Export      *OutputExport
}

type OutputExport struct {
	Name hcl.Expression
}

// DeletionPolicy values accepted on a Resource block.
const (
	DeletionPolicyDelete = "Delete"
	DeletionPolicyRetain = "Retain"
)
