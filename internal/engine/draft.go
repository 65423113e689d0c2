package engine

import (
	"fmt"
	"strings"

	"hades/internal/domain"
)

// Field names one mutable field of a Draft.
type Field string

const (
	FieldName          Field = "name"
	FieldTargetType    Field = "target_type"
	FieldTargetAddress Field = "target_address"
	FieldGoals         Field = "goals"
	FieldAllowed       Field = "allowed"
	FieldProhibited    Field = "prohibited"
	FieldNetworkID     Field = "network_id"
	FieldSubnetMask    Field = "subnet_mask"
)

// Fields lists every Field in the order the steps introduce them.
var Fields = []Field{
	FieldName, FieldNetworkID, FieldSubnetMask, FieldTargetType, FieldTargetAddress,
	FieldGoals, FieldAllowed, FieldProhibited,
}

func (f Field) isSet() bool {
	return f == FieldGoals || f == FieldAllowed || f == FieldProhibited
}

func (f Field) catalog() domain.Catalog {
	switch f {
	case FieldTargetType:
		return domain.TargetTypeCatalog
	case FieldGoals:
		return domain.GoalCatalog
	case FieldAllowed, FieldProhibited:
		return domain.TechniqueCatalog
	}
	return nil
}

// ParseField maps a field name (as used by flags and draft files) to a Field.
func ParseField(name string) (Field, error) {
	f := Field(strings.TrimSpace(strings.ReplaceAll(name, "-", "_")))
	for _, known := range Fields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// Draft is the request being assembled. Set-valued fields hold no duplicates
// and keep first-insertion order.
type Draft struct {
	Name          string   `json:"name"`
	TargetType    string   `json:"target_type"`
	TargetAddress string   `json:"target_address"`
	Goals         []string `json:"goals"`
	Allowed       []string `json:"allowed"`
	Prohibited    []string `json:"prohibited"`
	NetworkID     string   `json:"network_id,omitempty"`
	SubnetMask    string   `json:"subnet_mask,omitempty"`
}

// Clone returns a deep copy.
func (d Draft) Clone() Draft {
	d.Goals = cloneSet(d.Goals)
	d.Allowed = cloneSet(d.Allowed)
	d.Prohibited = cloneSet(d.Prohibited)
	return d
}

// Equal compares scalar fields exactly and set fields as sets.
func (d Draft) Equal(o Draft) bool {
	return d.Name == o.Name &&
		d.TargetType == o.TargetType &&
		d.TargetAddress == o.TargetAddress &&
		d.NetworkID == o.NetworkID &&
		d.SubnetMask == o.SubnetMask &&
		SetEqual(d.Goals, o.Goals) &&
		SetEqual(d.Allowed, o.Allowed) &&
		SetEqual(d.Prohibited, o.Prohibited)
}

// Get returns the current value of f: a string, or a []string for set fields.
func (d Draft) Get(f Field) any {
	switch f {
	case FieldName:
		return d.Name
	case FieldTargetType:
		return d.TargetType
	case FieldTargetAddress:
		return d.TargetAddress
	case FieldNetworkID:
		return d.NetworkID
	case FieldSubnetMask:
		return d.SubnetMask
	case FieldGoals:
		return cloneSet(d.Goals)
	case FieldAllowed:
		return cloneSet(d.Allowed)
	case FieldProhibited:
		return cloneSet(d.Prohibited)
	}
	return nil
}

// with returns a copy of d with f set to value. The receiver is not modified.
func (d Draft) with(f Field, value any) (Draft, error) {
	next := d.Clone()
	if f.isSet() {
		items, err := toSet(f, value)
		if err != nil {
			return d, err
		}
		switch f {
		case FieldGoals:
			next.Goals = items
		case FieldAllowed:
			next.Allowed = items
		case FieldProhibited:
			next.Prohibited = items
		}
		return next, nil
	}
	s, ok := value.(string)
	if !ok {
		return d, fmt.Errorf("%s: expected text, got %T", f, value)
	}
	switch f {
	case FieldName:
		next.Name = s
	case FieldTargetType:
		s = strings.TrimSpace(s)
		if s != "" && !domain.TargetTypeCatalog.Contains(s) {
			return d, fmt.Errorf("%w: %s %q (want one of %s)", ErrUnknownValue, f, s, domain.TargetTypeCatalog)
		}
		next.TargetType = s
	case FieldTargetAddress:
		next.TargetAddress = s
	case FieldNetworkID:
		next.NetworkID = strings.TrimSpace(s)
	case FieldSubnetMask:
		next.SubnetMask = strings.TrimSpace(s)
	default:
		return d, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return next, nil
}

func toSet(f Field, value any) ([]string, error) {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case string:
		if strings.TrimSpace(v) != "" {
			raw = strings.Split(v, ",")
		}
	case nil:
	default:
		return nil, fmt.Errorf("%s: expected a list of tags, got %T", f, value)
	}
	cat := f.catalog()
	out := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		if !cat.Contains(item) {
			return nil, fmt.Errorf("%w: %s %q (want one of %s)", ErrUnknownValue, f, item, cat)
		}
		seen[item] = true
		out = append(out, item)
	}
	return out, nil
}

// Conflicts returns the techniques that are both allowed and prohibited,
// in the order they appear in Allowed.
func Conflicts(d Draft) []string {
	if len(d.Allowed) == 0 || len(d.Prohibited) == 0 {
		return nil
	}
	prohibited := make(map[string]bool, len(d.Prohibited))
	for _, p := range d.Prohibited {
		prohibited[p] = true
	}
	var out []string
	for _, a := range d.Allowed {
		if prohibited[a] {
			out = append(out, a)
		}
	}
	return out
}

// HasConflict reports whether any technique is both allowed and prohibited.
func HasConflict(d Draft) bool {
	return len(Conflicts(d)) > 0
}

// ToInject serializes the draft into the submission wire format.
func ToInject(d Draft) domain.Inject {
	return domain.Inject{
		Name: d.Name,
		RulesOfEngagement: domain.RulesOfEngagement{
			Techniques: domain.Techniques{
				Allowed:    nonNil(d.Allowed),
				Prohibited: nonNil(d.Prohibited),
			},
		},
		Systems: []domain.System{{
			NetworkID:  d.NetworkID,
			SubnetMask: d.SubnetMask,
			Targets: []domain.Target{{
				Type:    d.TargetType,
				Address: d.TargetAddress,
				Goals:   nonNil(d.Goals),
			}},
		}},
	}
}

// FromInject rebuilds a draft from a listed inject. Only the first system's
// first target is read, matching what ToInject writes.
func FromInject(in domain.Inject) Draft {
	d := Draft{
		Name:       in.Name,
		Allowed:    dedupe(in.RulesOfEngagement.Techniques.Allowed),
		Prohibited: dedupe(in.RulesOfEngagement.Techniques.Prohibited),
	}
	if len(in.Systems) > 0 {
		sys := in.Systems[0]
		d.NetworkID = sys.NetworkID
		d.SubnetMask = sys.SubnetMask
		if len(sys.Targets) > 0 {
			t := sys.Targets[0]
			d.TargetType = t.Type
			d.TargetAddress = t.Address
			d.Goals = dedupe(t.Goals)
		}
	}
	return d
}

// SetEqual compares two string slices as sets.
func SetEqual(a, b []string) bool {
	as, bs := map[string]bool{}, map[string]bool{}
	for _, v := range a {
		as[v] = true
	}
	for _, v := range b {
		bs[v] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for v := range as {
		if !bs[v] {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func cloneSet(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return cloneSet(in)
}
