package plan

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// The wire form of a plan, for the plan-file round trip: `plan -out` writes
// it and `apply <planfile>` reads it back. Property values carry their type
// alongside so unknown ("known after apply") values survive the trip.

type planJSON struct {
	StackName  string        `json:"stack"`
	Serial     int           `json:"serial"`
	ConfigHash string        `json:"config_hash"`
	Changes    []*changeJSON `json:"changes"`
	Warnings   []string      `json:"warnings,omitempty"`
}

type changeJSON struct {
	LogicalID  string              `json:"logical_id"`
	Type       string              `json:"type"`
	Action     Action              `json:"action"`
	Identifier string              `json:"identifier,omitempty"`
	PriorType  string              `json:"prior_type,omitempty"`
	WaitFor    []string            `json:"wait_for,omitempty"`
	Diffs      map[string]diffJSON `json:"diffs,omitempty"`
}

type diffJSON struct {
	Before            json.RawMessage `json:"before,omitempty"`
	After             json.RawMessage `json:"after,omitempty"`
	Type              json.RawMessage `json:"value_type,omitempty"`
	AfterUnknown      bool            `json:"after_unknown,omitempty"`
	ForcesReplacement bool            `json:"forces_replacement,omitempty"`
	Sensitive         bool            `json:"sensitive,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Plan) MarshalJSON() ([]byte, error) {
	wire := &planJSON{
		StackName:  p.StackName,
		Serial:     p.Serial,
		ConfigHash: p.ConfigHash,
		Warnings:   p.Warnings,
	}
	for _, change := range p.Changes {
		cw := &changeJSON{
			LogicalID:  change.LogicalID,
			Type:       change.Type,
			Action:     change.Action,
			Identifier: change.Identifier,
			PriorType:  change.PriorType,
			WaitFor:    change.WaitFor,
		}
		if len(change.Diffs) > 0 {
			cw.Diffs = make(map[string]diffJSON, len(change.Diffs))
			for name, diff := range change.Diffs {
				dw, err := encodeDiff(diff)
				if err != nil {
					return nil, errors.Wrapf(err, "encoding diff for %s.%s", change.LogicalID, name)
				}
				cw.Diffs[name] = dw
			}
		}
		wire.Changes = append(wire.Changes, cw)
	}
	return json.MarshalIndent(wire, "", "  ")
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Plan) UnmarshalJSON(src []byte) error {
	var wire planJSON
	if err := json.Unmarshal(src, &wire); err != nil {
		return err
	}
	p.StackName = wire.StackName
	p.Serial = wire.Serial
	p.ConfigHash = wire.ConfigHash
	p.Warnings = wire.Warnings
	p.Changes = nil
	for _, cw := range wire.Changes {
		change := &Change{
			LogicalID:  cw.LogicalID,
			Type:       cw.Type,
			Action:     cw.Action,
			Identifier: cw.Identifier,
			PriorType:  cw.PriorType,
			WaitFor:    cw.WaitFor,
		}
		if len(cw.Diffs) > 0 {
			change.Diffs = make(map[string]PropertyDiff, len(cw.Diffs))
			for name, dw := range cw.Diffs {
				diff, err := decodeDiff(dw)
				if err != nil {
					return errors.Wrapf(err, "decoding diff for %s.%s", cw.LogicalID, name)
				}
				change.Diffs[name] = diff
			}
		}
		p.Changes = append(p.Changes, change)
	}
	return nil
}

func encodeDiff(diff PropertyDiff) (diffJSON, error) {
	var dw diffJSON
	dw.ForcesReplacement = diff.ForcesReplacement
	dw.Sensitive = diff.Sensitive

	ty := cty.DynamicPseudoType
	switch {
	case diff.After != cty.NilVal:
		ty = diff.After.Type()
	case diff.Before != cty.NilVal:
		ty = diff.Before.Type()
	default:
		return dw, nil
	}

	tyRaw, err := ctyjson.MarshalType(ty)
	if err != nil {
		return dw, err
	}
	dw.Type = tyRaw

	if diff.Before != cty.NilVal && diff.Before.IsWhollyKnown() {
		raw, err := ctyjson.Marshal(diff.Before, ty)
		if err != nil {
			return dw, err
		}
		dw.Before = raw
	}

	if diff.After == cty.NilVal {
		return dw, nil
	}
	if !diff.After.IsWhollyKnown() {
		dw.AfterUnknown = true
		return dw, nil
	}
	raw, err := ctyjson.Marshal(diff.After, ty)
	if err != nil {
		return dw, err
	}
	dw.After = raw
	return dw, nil
}

func decodeDiff(dw diffJSON) (PropertyDiff, error) {
	diff := PropertyDiff{
		Before:            cty.NilVal,
		After:             cty.NilVal,
		ForcesReplacement: dw.ForcesReplacement,
		Sensitive:         dw.Sensitive,
	}
	if dw.Type == nil {
		return diff, nil
	}
	ty, err := ctyjson.UnmarshalType(dw.Type)
	if err != nil {
		return diff, err
	}
	if dw.Before != nil {
		val, err := ctyjson.Unmarshal(dw.Before, ty)
		if err != nil {
			return diff, err
		}
		diff.Before = val
	}
	switch {
	case dw.AfterUnknown:
		diff.After = cty.UnknownVal(ty)
	case dw.After != nil:
		val, err := ctyjson.Unmarshal(dw.After, ty)
		if err != nil {
			return diff, err
		}
		diff.After = val
	}
	return diff, nil
}

// WriteFile writes the plan to a file for a later apply.
func WriteFile(path string, p *Plan) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encoding plan")
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing plan file %s", path)
	}
	return nil
}

// ReadFile reads a plan previously written with WriteFile.
func ReadFile(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading plan file %s", path)
	}
	var p Plan
	if err := json.Unmarshal(src, &p); err != nil {
		return nil, errors.Wrapf(err, "plan file %s is not valid", path)
	}
	return &p, nil
}
