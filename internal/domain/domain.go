package domain

import (
	"fmt"
	"strings"
)

type Target struct {
	Type    string   `json:"type" yaml:"type" enum:"machine,persona"`
	Address string   `json:"address" yaml:"address"`
	Goals   []string `json:"goals" yaml:"goals"`
}

type System struct {
	NetworkID  string   `json:"network_id,omitempty" yaml:"network_id,omitempty"`
	SubnetMask string   `json:"subnet_mask,omitempty" yaml:"subnet_mask,omitempty"`
	Targets    []Target `json:"targets" yaml:"targets"`
}

type Techniques struct {
	Allowed    []string `json:"allowed" yaml:"allowed"`
	Prohibited []string `json:"prohibited" yaml:"prohibited"`
}

type RulesOfEngagement struct {
	Techniques Techniques `json:"techniques" yaml:"techniques"`
}

// Inject is the request body accepted by the submission endpoint.
type Inject struct {
	Name              string            `json:"name" yaml:"name"`
	RulesOfEngagement RulesOfEngagement `json:"rules_of_engagement" yaml:"rules_of_engagement"`
	Systems           []System          `json:"systems" yaml:"systems"`
}

// Listing maps task ids to the injects the backend knows about.
type Listing map[string]Inject

// SubmitResponse is returned by the submission endpoint.
type SubmitResponse struct {
	ID string `json:"id"`
}

// Option is one entry of a fixed catalog: Value goes on the wire, Label is shown to operators.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type Catalog []Option

var TargetTypeCatalog = Catalog{
	{Value: "machine", Label: "Machine"},
	{Value: "persona", Label: "Persona"},
}

var GoalCatalog = Catalog{
	{Value: "scan", Label: "Scan"},
	{Value: "shutdown", Label: "Shutdown"},
}

var TechniqueCatalog = Catalog{
	{Value: "exploiting-known-vulnerabilities", Label: "Exploiting known vulnerabilities"},
	{Value: "phishing-via-email", Label: "Phishing via email"},
	{Value: "denial-of-service-attacks", Label: "Denial-of-Service attacks"},
}

// Contains reports whether v is a catalog value.
func (c Catalog) Contains(v string) bool {
	for _, o := range c {
		if o.Value == v {
			return true
		}
	}
	return false
}

// Label returns the display label for v, or v itself when it is not in the catalog.
func (c Catalog) Label(v string) string {
	for _, o := range c {
		if o.Value == v {
			return o.Label
		}
	}
	return v
}

// Values returns the wire values in catalog order.
func (c Catalog) Values() []string {
	out := make([]string, 0, len(c))
	for _, o := range c {
		out = append(out, o.Value)
	}
	return out
}

func (c Catalog) String() string {
	return strings.Join(c.Values(), ", ")
}

// Validate checks an inject the way the relay accepts it: a name, at least one
// target, catalog members only, and no technique both allowed and prohibited.
func (in Inject) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	targets := 0
	for i, sys := range in.Systems {
		for j, t := range sys.Targets {
			targets++
			if !TargetTypeCatalog.Contains(t.Type) {
				return fmt.Errorf("systems[%d].targets[%d].type %q is invalid (want one of %s)", i, j, t.Type, TargetTypeCatalog)
			}
			if strings.TrimSpace(t.Address) == "" {
				return fmt.Errorf("systems[%d].targets[%d].address is required", i, j)
			}
			for _, g := range t.Goals {
				if !GoalCatalog.Contains(g) {
					return fmt.Errorf("systems[%d].targets[%d].goals has invalid entry %q", i, j, g)
				}
			}
		}
	}
	if targets == 0 {
		return fmt.Errorf("at least one target is required")
	}
	tech := in.RulesOfEngagement.Techniques
	prohibited := map[string]bool{}
	for _, p := range tech.Prohibited {
		if !TechniqueCatalog.Contains(p) {
			return fmt.Errorf("prohibited technique %q is invalid", p)
		}
		prohibited[p] = true
	}
	for _, a := range tech.Allowed {
		if !TechniqueCatalog.Contains(a) {
			return fmt.Errorf("allowed technique %q is invalid", a)
		}
		if prohibited[a] {
			return &ConflictError{Technique: a}
		}
	}
	return nil
}

// ConflictError reports a technique that is both allowed and prohibited.
type ConflictError struct {
	Technique string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("technique %q cannot be both allowed and prohibited", e.Technique)
}
