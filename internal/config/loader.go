package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
)

// DefaultPath is read when no --config flag is given.
var DefaultPath = brand.ConfigPath()

// LoadFile loads an HCL or JSON config file, fills in defaults and validates
// the result. A missing file at DefaultPath yields Default().
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return Default(), nil
		}
		return nil, errors.Wrap(err, errors.KindValidation, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes data. The filename suffix selects the syntax:
// .json is JSON, anything else is native HCL.
func LoadBytes(filename string, data []byte) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".json" && ext != ".hcl" {
		filename += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Attr(errors.Wrap(errs, errors.KindValidation, "invalid config"), "file", filename)
	}
	return &cfg, nil
}

// evalContext exposes env.NAME, defaults.wifi/defaults.cellular and a few
// collection and string functions to expressions in the config file.
func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntaxIdent(k) {
			env[k] = cty.StringVal(v)
		}
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
			"defaults": cty.ObjectVal(map[string]cty.Value{
				"wifi":     stringList(firewall.DefaultWifiDevices),
				"cellular": stringList(firewall.DefaultCellularDevices),
				"prefix":   cty.StringVal(firewall.DefaultChainPrefix),
			}),
		},
		Functions: map[string]function.Function{
			"concat":   stdlib.ConcatFunc,
			"distinct": stdlib.DistinctFunc,
			"join":     stdlib.JoinFunc,
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"format":   stdlib.FormatFunc,
		},
	}
}

func stringList(items []string) cty.Value {
	if len(items) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(items))
	for i, s := range items {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// hclsyntaxIdent reports whether s can be used as an attribute name.
func hclsyntaxIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}
