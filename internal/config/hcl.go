package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/appwall/internal/errors"
)

// Render serializes cfg as formatted HCL.
func Render(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}

// FormatHCL formats HCL source code.
func FormatHCL(src []byte) ([]byte, error) {
	file, diags := hclwrite.ParseConfig(src, "format.hcl", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "invalid HCL")
	}
	return hclwrite.Format(file.Bytes()), nil
}

// HCLDiagnostic is one parser finding with its position.
type HCLDiagnostic struct {
	Severity string `json:"severity"` // "error" or "warning"
	Summary  string `json:"summary"`
	Detail   string `json:"detail,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// ParseHCLWithDiagnostics reports syntax findings of src.
func ParseHCLWithDiagnostics(filename string, src []byte) ([]HCLDiagnostic, error) {
	parser := hclparse.NewParser()
	_, diags := parser.ParseHCL(src, filename)

	var result []HCLDiagnostic
	for _, d := range diags {
		diag := HCLDiagnostic{
			Summary: d.Summary,
			Detail:  d.Detail,
		}
		if d.Severity == hcl.DiagError {
			diag.Severity = "error"
		} else {
			diag.Severity = "warning"
		}
		if d.Subject != nil {
			diag.Line = d.Subject.Start.Line
			diag.Column = d.Subject.Start.Column
		}
		result = append(result, diag)
	}

	if diags.HasErrors() {
		return result, errors.New(errors.KindValidation, "HCL has errors")
	}
	return result, nil
}
