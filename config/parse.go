package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/upstack-tools/upstack/addr"
)

// TemplateExt is the file extension of template files.
const TemplateExt = ".upstack"

// Parser wraps an HCL parser so that all parsed files are retained for
// rendering diagnostics with source snippets.
type Parser struct {
	hcl *hclparse.Parser
}

func NewParser() *Parser {
	return &Parser{
		hcl: hclparse.NewParser(),
	}
}

// Sources returns all files parsed so far, for use with
// hcl.NewDiagnosticTextWriter.
func (p *Parser) Sources() map[string]*hcl.File {
	return p.hcl.Files()
}

func (p *Parser) ParseFileSource(src []byte, filename string) (*File, hcl.Diagnostics) {
	astFile, diags := p.hcl.ParseHCL(src, filename)

	file := &File{
		Source:     src,
		SourcePath: filename,
		SourceAST:  astFile,
	}
	if astFile == nil {
		return file, diags
	}

	content, contentDiags := astFile.Body.Content(fileRootSchema)
	diags = append(diags, contentDiags...)

	file.Description = content.Attributes["Description"]

	for _, block := range content.Blocks {
		switch block.Type {

		case "Conditions":
			attrs, attrsDiags := block.Body.JustAttributes()
			diags = append(diags, attrsDiags...)
			for _, attr := range attrs {
				file.Conditions = append(file.Conditions, attr)
			}

		case "Mappings":
			attrs, attrsDiags := block.Body.JustAttributes()
			diags = append(diags, attrsDiags...)
			for _, attr := range attrs {
				file.Mappings = append(file.Mappings, attr)
			}

		case "Parameter":
			param, decDiags := decodeParameter(block)
			diags = append(diags, decDiags...)
			file.Parameters = append(file.Parameters, param)

		case "Resource":
			resource, decDiags := decodeResource(block)
			diags = append(diags, decDiags...)
			file.Resources = append(file.Resources, resource)

		case "Output":
			output, decDiags := decodeOutput(block)
			diags = append(diags, decDiags...)
			file.Outputs = append(file.Outputs, output)

		default:
			// Should never happen since the above cases should always cover
			// all of the block types in our schema.
			panic(fmt.Errorf("unhandled block type %q", block.Type))
		}
	}

	return file, diags
}

func (p *Parser) ParseFile(filename string) (*File, hcl.Diagnostics) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Failed to read template file",
				Detail:   fmt.Sprintf("There was an error reading %s: %s.", filename, err),
			},
		}
	}
	return p.ParseFileSource(src, filename)
}

func (p *Parser) ParseDir(path string) (*Module, hcl.Diagnostics) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Failed to read template directory",
				Detail:   fmt.Sprintf("There was an error reading %s: %s.", path, err),
			},
		}
	}

	var files []*File
	var diags hcl.Diagnostics
	for _, entry := range entries {
		name := entry.Name()

		// Look for template files while filtering out editor temporary files.
		switch {
		case entry.IsDir():
			continue
		case !strings.HasSuffix(name, TemplateExt):
			continue
		case strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#"):
			continue
		case strings.HasPrefix(name, "."):
			continue
		}

		filePath := filepath.Join(path, name)
		file, fileDiags := p.ParseFile(filePath)
		diags = append(diags, fileDiags...)
		files = append(files, file)
	}

	module, modDiags := NewModule(path, files...)
	diags = append(diags, modDiags...)
	return module, diags
}

func (p *Parser) ParseDirOrFile(path string) (*Module, hcl.Diagnostics) {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		file, diags := p.ParseFile(path)
		module, modDiags := NewModule(path, file)
		diags = append(diags, modDiags...)
		return module, diags
	}

	return p.ParseDir(path)
}

// NewModule merges the given files into a single Module, detecting
// definitions duplicated across files.
func NewModule(path string, files ...*File) (*Module, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	module := &Module{
		SourcePath:  path,
		Files:       make(map[string]*File),
		Description: hcl.StaticExpr(cty.NullVal(cty.String), hcl.Range{}),
		Parameters:  make(map[string]*Parameter),
		Conditions:  make(map[string]*hcl.Attribute),
		Mappings:    make(map[string]*hcl.Attribute),
		Resources:   make(map[string]*Resource),
		Outputs:     make(map[string]*Output),
	}

	for _, file := range files {
		if file == nil {
			// Should never happen
			panic("nil *File passed to NewModule")
		}
		if _, conflict := module.Files[file.SourcePath]; conflict {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Duplicate file in template",
				Detail:   fmt.Sprintf("Ignored duplicate definition for file %s while building template.", file.SourcePath),
			})
			continue
		}
		module.Files[file.SourcePath] = file

		if file.Description != nil {
			module.Description = file.Description.Expr
		}

		for _, def := range file.Parameters {
			if _, conflict := module.Parameters[def.Name]; conflict {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate parameter",
					Detail: fmt.Sprintf(
						"Duplicate definition of parameter %q, which was already defined at %s.",
						def.Name, module.Parameters[def.Name].DeclRange,
					),
					Subject: &def.DeclRange,
				})
			}
			module.Parameters[def.Name] = def
		}

		for _, def := range file.Conditions {
			if _, conflict := module.Conditions[def.Name]; conflict {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate condition",
					Detail: fmt.Sprintf(
						"Duplicate definition of condition %q, which was already defined at %s.",
						def.Name, module.Conditions[def.Name].NameRange,
					),
					Subject: &def.NameRange,
				})
			}
			module.Conditions[def.Name] = def
		}

		for _, def := range file.Mappings {
			if _, conflict := module.Mappings[def.Name]; conflict {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate mapping",
					Detail: fmt.Sprintf(
						"Duplicate definition of mapping %q, which was already defined at %s.",
						def.Name, module.Mappings[def.Name].NameRange,
					),
					Subject: &def.NameRange,
				})
			}
			module.Mappings[def.Name] = def
		}

		for _, def := range file.Resources {
			if _, conflict := module.Resources[def.LogicalID]; conflict {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate resource",
					Detail: fmt.Sprintf(
						"Duplicate definition of resource %q, which was already defined at %s.",
						def.LogicalID, module.Resources[def.LogicalID].DeclRange,
					),
					Subject: &def.DeclRange,
				})
			}
			module.Resources[def.LogicalID] = def
		}

		for _, def := range file.Outputs {
			if _, conflict := module.Outputs[def.Name]; conflict {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate output",
					Detail: fmt.Sprintf(
						"Duplicate definition of output %q, which was already defined at %s.",
						def.Name, module.Outputs[def.Name].DeclRange,
					),
					Subject: &def.DeclRange,
				})
			}
			module.Outputs[def.Name] = def
		}
	}

	return module, diags
}

func decodeParameter(block *hcl.Block) (*Parameter, hcl.Diagnostics) {
	content, diags := block.Body.Content(parameterSchema)

	param := &Parameter{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}

	if attr, ok := content.Attributes["Type"]; ok {
		typeName, typeDiags := constantString(attr)
		diags = append(diags, typeDiags...)
		param.Type = typeName
	}

	param.Description = attrExpr(content, "Description")
	param.Default = attrExpr(content, "Default")
	param.AllowedPattern = attrExpr(content, "AllowedPattern")
	param.AllowedValues = attrExpr(content, "AllowedValues")
	param.ConstraintDescription = attrExpr(content, "ConstraintDescription")
	param.MinLength = attrExpr(content, "MinLength")
	param.MaxLength = attrExpr(content, "MaxLength")
	param.MinValue = attrExpr(content, "MinValue")
	param.MaxValue = attrExpr(content, "MaxValue")
	param.Obscure = attrExpr(content, "Obscure")

	return param, diags
}

func decodeResource(block *hcl.Block) (*Resource, hcl.Diagnostics) {
	content, diags := block.Body.Content(resourceSchema)

	resource := &Resource{
		LogicalID: block.Labels[0],
		DeclRange: block.DefRange,
	}

	if attr, ok := content.Attributes["Type"]; ok {
		typeName, typeDiags := constantString(attr)
		diags = append(diags, typeDiags...)
		resource.Type = typeName
	}

	if attr, ok := content.Attributes["Condition"]; ok {
		name, condDiags := conditionName(attr)
		diags = append(diags, condDiags...)
		resource.ConditionName = name
		resource.ConditionRange = attr.Expr.Range()
	}

	if attr, ok := content.Attributes["DependsOn"]; ok {
		names, depDiags := dependsOnNames(attr)
		diags = append(diags, depDiags...)
		resource.DependsOn = names
	}

	resource.DeletionPolicy = DeletionPolicyDelete
	if attr, ok := content.Attributes["DeletionPolicy"]; ok {
		policy, polDiags := constantString(attr)
		diags = append(diags, polDiags...)
		if policy != DeletionPolicyDelete && policy != DeletionPolicyRetain {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid deletion policy",
				Detail:   fmt.Sprintf("DeletionPolicy must be either %q or %q.", DeletionPolicyDelete, DeletionPolicyRetain),
				Subject:  attr.Expr.Range().Ptr(),
			})
		} else {
			resource.DeletionPolicy = policy
		}
	}

	for _, inner := range content.Blocks {
		// The only block type in resourceSchema is Properties.
		if resource.Properties != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate Properties block",
				Detail:   "A Resource block may contain only one Properties block.",
				Subject:  &inner.DefRange,
			})
			continue
		}
		attrs, attrsDiags := inner.Body.JustAttributes()
		diags = append(diags, attrsDiags...)
		resource.Properties = attrs
	}
	if resource.Properties == nil {
		resource.Properties = make(hcl.Attributes)
	}

	return resource, diags
}

func decodeOutput(block *hcl.Block) (*Output, hcl.Diagnostics) {
	content, diags := block.Body.Content(outputSchema)

	ret := &Output{
		Name:        block.Labels[0],
		DeclRange:   block.DefRange,
		Description: attrExpr(content, "Description"),
		Value:       attrExpr(content, "Value"),
	}

	for _, inner := range content.Blocks {
		exportContent, exportDiags := inner.Body.Content(outputExportSchema)
		diags = append(diags, exportDiags...)
		if ret.Export != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate Export block",
				Detail:   "An Output block may contain only one Export block.",
				Subject:  &inner.DefRange,
			})
			continue
		}
		ret.Export = &OutputExport{
			Name: attrExpr(exportContent, "Name"),
		}
	}

	return ret, diags
}

// constantString evaluates an attribute that must be a constant string,
// such as a resource type name. References are not permitted.
func constantString(attr *hcl.Attribute) (string, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	val, valDiags := attr.Expr.Value(nil)
	diags = append(diags, valDiags...)
	if diags.HasErrors() {
		return "", diags
	}
	if val.Type() != cty.String || val.IsNull() || !val.IsKnown() {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid constant value",
			Detail:   fmt.Sprintf("The %s argument must be a constant string.", attr.Name),
			Subject:  attr.Expr.Range().Ptr(),
		})
		return "", diags
	}
	return val.AsString(), diags
}

// conditionName requires the attribute to be a bare Cond.Name reference
// and returns the condition name.
func conditionName(attr *hcl.Attribute) (string, hcl.Diagnostics) {
	traversal, diags := hcl.AbsTraversalForExpr(attr.Expr)
	if diags.HasErrors() {
		return "", diags
	}
	ref, refDiags := addr.ParseRef(traversal)
	diags = append(diags, refDiags...)
	if diags.HasErrors() {
		return "", diags
	}
	condRef, ok := ref.(*addr.CondRef)
	if !ok {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid condition reference",
			Detail:   "The Condition argument must reference a named condition, as in Cond.Example.",
			Subject:  attr.Expr.Range().Ptr(),
		})
		return "", diags
	}
	return condRef.Name, diags
}

// dependsOnNames requires the attribute to be a list of bare Resource.Name
// references and returns the logical names.
func dependsOnNames(attr *hcl.Attribute) ([]string, hcl.Diagnostics) {
	exprs, diags := hcl.ExprList(attr.Expr)
	if diags.HasErrors() {
		return nil, diags
	}

	var names []string
	for _, expr := range exprs {
		traversal, travDiags := hcl.AbsTraversalForExpr(expr)
		diags = append(diags, travDiags...)
		if travDiags.HasErrors() {
			continue
		}
		ref, refDiags := addr.ParseRef(traversal)
		diags = append(diags, refDiags...)
		if refDiags.HasErrors() {
			continue
		}
		resRef, ok := ref.(*addr.ResourceRef)
		if !ok || resRef.Attr != "" {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid dependency reference",
				Detail:   "Each DependsOn entry must reference a resource by its logical name, as in Resource.Example.",
				Subject:  expr.Range().Ptr(),
			})
			continue
		}
		names = append(names, resRef.LogicalID)
	}
	return names, diags
}

func attrExpr(content *hcl.BodyContent, name string) hcl.Expression {
	if attr, ok := content.Attributes[name]; ok {
		return attr.Expr
	}
	return nil
}

var fileRootSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{
			Name:     "Description",
			Required: false,
		},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{
			Type: "Conditions",
		},
		{
			Type: "Mappings",
		},
		{
			Type:       "Parameter",
			LabelNames: []string{"name"},
		},
		{
			Type:       "Resource",
			LabelNames: []string{"logical id"},
		},
		{
			Type:       "Output",
			LabelNames: []string{"name"},
		},
	},
}

var parameterSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "Type", Required: true},
		{Name: "Description"},
		{Name: "Default"},
		{Name: "AllowedPattern"},
		{Name: "AllowedValues"},
		{Name: "ConstraintDescription"},
		{Name: "MinLength"},
		{Name: "MaxLength"},
		{Name: "MinValue"},
		{Name: "MaxValue"},
		{Name: "Obscure"},
	},
}

var resourceSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "Type", Required: true},
		{Name: "Condition"},
		{Name: "DependsOn"},
		{Name: "DeletionPolicy"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "Properties"},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "Description"},
		{Name: "Value", Required: true},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "Export"},
	},
}

var outputExportSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "Name", Required: true},
	},
}
