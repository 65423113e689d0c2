package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"hades/internal/domain"
)

var (
	ErrConflict       = errors.New("a technique cannot be both allowed and prohibited")
	ErrTerminalStep   = errors.New("already at the final step; submit instead")
	ErrFirstStep      = errors.New("already at the first step")
	ErrNotTerminal    = errors.New("submit is only available from the final step")
	ErrSubmitInFlight = errors.New("a submission is already in flight")
	ErrUnknownField   = errors.New("unknown field")
	ErrUnknownValue   = errors.New("unknown value")
	ErrNoSubmitter    = errors.New("no submission endpoint configured")
)

// ValidationError reports why a step's fields do not hold.
type ValidationError struct {
	Step    string
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("step %s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("step %s: %s %s", e.Step, e.Field, e.Message)
}

// Step is one stage of a variant. It owns Fields and validates only them.
type Step struct {
	Key    string
	Label  string
	Fields []Field
	valid  func(Draft) error
}

// Valid reports the first rule the draft breaks for this step.
func (s Step) Valid(d Draft) error {
	if s.valid == nil {
		return nil
	}
	if err := s.valid(d); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Step == "" {
			ve.Step = s.Key
		}
		return err
	}
	return nil
}

// Variant is a fixed step sequence with its default draft. The last step is terminal.
type Variant struct {
	Name     string
	Steps    []Step
	Defaults Draft
}

var (
	nameStep = Step{
		Key:    "name",
		Label:  "Name the inject",
		Fields: []Field{FieldName},
		valid: func(d Draft) error {
			if strings.TrimSpace(d.Name) == "" {
				return &ValidationError{Field: FieldName, Message: "is required"}
			}
			return nil
		},
	}
	networkStep = Step{
		Key:    "network",
		Label:  "Identify the network",
		Fields: []Field{FieldNetworkID, FieldSubnetMask},
		valid:  validNetwork,
	}
	targetStep = Step{
		Key:    "target",
		Label:  "Identify a target on the network",
		Fields: []Field{FieldTargetType, FieldTargetAddress},
		valid: func(d Draft) error {
			if strings.TrimSpace(d.TargetType) == "" {
				return &ValidationError{Field: FieldTargetType, Message: "is required"}
			}
			if !domain.TargetTypeCatalog.Contains(d.TargetType) {
				return &ValidationError{Field: FieldTargetType, Message: fmt.Sprintf("must be one of %s", domain.TargetTypeCatalog)}
			}
			if strings.TrimSpace(d.TargetAddress) == "" {
				return &ValidationError{Field: FieldTargetAddress, Message: "is required"}
			}
			return nil
		},
	}
	rulesStep = Step{
		Key:    "rules",
		Label:  "Identify the rules of engagement",
		Fields: []Field{FieldGoals, FieldAllowed, FieldProhibited},
		valid:  validRules,
	}
	submitStep = Step{
		Key:   "submit",
		Label: "Submit the inject",
	}
)

// Basic names a target directly.
var Basic = Variant{
	Name:  "basic",
	Steps: []Step{nameStep, targetStep, rulesStep, submitStep},
	Defaults: Draft{
		TargetType: domain.TargetTypeCatalog[0].Value,
	},
}

// Subnetted places the target inside a network described by id and mask.
var Subnetted = Variant{
	Name:  "subnetted",
	Steps: []Step{nameStep, networkStep, targetStep, rulesStep, submitStep},
	Defaults: Draft{
		Name:          "Scan the network",
		NetworkID:     "192.168.152.0",
		SubnetMask:    "255.255.255.0",
		TargetType:    domain.TargetTypeCatalog[0].Value,
		TargetAddress: "192.168.152.128",
		Goals:         []string{"shutdown"},
		Allowed:       []string{"exploiting-known-vulnerabilities"},
		Prohibited:    []string{"denial-of-service-attacks"},
	},
}

// VariantByName resolves a variant name; empty selects Basic.
func VariantByName(name string) (Variant, error) {
	switch strings.TrimSpace(name) {
	case "", Basic.Name:
		return Basic, nil
	case Subnetted.Name:
		return Subnetted, nil
	}
	return Variant{}, fmt.Errorf("unknown variant %q (want basic or subnetted)", name)
}

func validNetwork(d Draft) error {
	if d.NetworkID == "" {
		return &ValidationError{Field: FieldNetworkID, Message: "is required"}
	}
	if addr, err := netip.ParseAddr(d.NetworkID); err != nil || !addr.Is4() {
		return &ValidationError{Field: FieldNetworkID, Message: "must be an IPv4 address"}
	}
	if d.SubnetMask == "" {
		return &ValidationError{Field: FieldSubnetMask, Message: "is required"}
	}
	mask, err := netip.ParseAddr(d.SubnetMask)
	if err != nil || !mask.Is4() || !contiguousMask(mask.As4()) {
		return &ValidationError{Field: FieldSubnetMask, Message: "must be a contiguous IPv4 mask"}
	}
	return nil
}

func contiguousMask(b [4]byte) bool {
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	// ones followed by zeros: inverting gives 2^n-1, so adding one gives a power of two.
	inv := ^v
	return inv&(inv+1) == 0
}

func validRules(d Draft) error {
	checks := []struct {
		field Field
		items []string
	}{
		{FieldGoals, d.Goals},
		{FieldAllowed, d.Allowed},
		{FieldProhibited, d.Prohibited},
	}
	for _, c := range checks {
		if len(c.items) == 0 {
			return &ValidationError{Field: c.field, Message: "needs at least one entry"}
		}
		cat := c.field.catalog()
		for _, item := range c.items {
			if !cat.Contains(item) {
				return &ValidationError{Field: c.field, Message: fmt.Sprintf("has unknown entry %q", item)}
			}
		}
	}
	if conflicts := Conflicts(d); len(conflicts) > 0 {
		return &ValidationError{Field: FieldProhibited, Message: fmt.Sprintf("overlaps allowed techniques: %s", strings.Join(conflicts, ", "))}
	}
	return nil
}
