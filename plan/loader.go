/*
loader.go - Plan files to Go plans

PURPOSE:
  Converts plan definitions stored as JSON, YAML or TOML into validated
  *Plan values. Operators change the compensation plan by publishing a
  new file (or POSTing it to the admin API), never by editing code.

STRICT DECODING:
  Unknown fields are rejected in every format. A plan that spells a
  field differently ("cycles_required" instead of "threshold") is an
  error, not a silently zeroed value.

  JSON: encoding/json with DisallowUnknownFields
  YAML: gopkg.in/yaml.v3 with KnownFields(true)
  TOML: github.com/BurntSushi/toml, rejecting MetaData.Undecoded()

YAML EXAMPLE:
  version: sigma-2025.2
  effective_from: 2025-07-01T00:00:00Z
  currency: BRL
  cycle_base: 360.00
  matrix_width: 6
  max_depth: 8
  cycle_payout_percent: 30
  depth:
    pool_percent: 6.81
    levels:
      - {level: 1, percent: 7}
  ...

DEFAULTS:
  Missing currency → BRL, matrix_width → 6, max_depth → 8,
  eligibility_ceiling → 5, pin order → table position, pin code →
  PinCode(name). Every other field must be present.

SEE ALSO:
  - plan.go: Validate
  - api/handlers.go: PublishPlan endpoint
*/
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rsprolipsi/sigma-engine/generic"
	"gopkg.in/yaml.v3"
)

// Format is a plan file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the decoder by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("plan file %s: unsupported extension", path)
	}
}

// LoadFile reads, decodes and validates a plan file.
func LoadFile(path string) (*Plan, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	return Decode(format, f)
}

// Parse decodes and validates a plan from raw bytes.
func Parse(format Format, data []byte) (*Plan, error) {
	return Decode(format, bytes.NewReader(data))
}

// Decode reads a plan in the given format and validates it.
func Decode(format Format, r io.Reader) (*Plan, error) {
	var p Plan
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, wrapDecode(format, err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, wrapDecode(format, err)
		}
	case FormatTOML:
		meta, err := toml.NewDecoder(r).Decode(&p)
		if err != nil {
			return nil, wrapDecode(format, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, wrapDecode(format, fmt.Errorf("unknown fields: %s", strings.Join(keys, ", ")))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported plan format %q", generic.ErrPlanInvalid, format)
	}

	applyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func wrapDecode(format Format, err error) error {
	return fmt.Errorf("%w: decode %s: %v", generic.ErrPlanInvalid, format, err)
}

func applyDefaults(p *Plan) {
	if p.Currency == "" {
		p.Currency = generic.UnitBRL
	}
	if p.MatrixWidth == 0 {
		p.MatrixWidth = 6
	}
	if p.MaxDepth == 0 {
		p.MaxDepth = 8
	}
	if p.Fidelity.EligibilityCeiling == 0 {
		p.Fidelity.EligibilityCeiling = 5
	}
	for i := range p.Career.Pins {
		pin := &p.Career.Pins[i]
		if pin.Order == 0 {
			pin.Order = i + 1
		}
		if pin.Code == "" {
			pin.Code = PinCode(pin.Name)
		}
	}
}

// Marshal encodes a plan for storage. Stored versions are always JSON.
func Marshal(p *Plan) ([]byte, error) {
	return json.Marshal(p)
}
