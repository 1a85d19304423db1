package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"peer-wan-console/pkg/model"
)

// ErrInvalidRule is returned (wrapped) for drafts rejected before any network call.
var ErrInvalidRule = errors.New("invalid policy rule")

// DomainInput accepts either comma separated text or a ready list.
// In JSON it decodes from a string or an array of strings.
type DomainInput struct {
	text   string
	list   []string
	isList bool
}

// DomainText wraps comma separated domains as typed by the operator.
func DomainText(s string) DomainInput { return DomainInput{text: s} }

// DomainList wraps an already split list; it is used as-is.
func DomainList(list ...string) DomainInput { return DomainInput{list: list, isList: true} }

// Values normalizes the input. Text is split on commas, trimmed and stripped of
// empty parts; a list is returned unchanged. The result is never nil.
func (d DomainInput) Values() []string {
	if d.isList {
		return append([]string{}, d.list...)
	}
	return SplitList(d.text)
}

func (d *DomainInput) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = DomainText(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("domains must be a string or a list: %w", err)
	}
	*d = DomainList(list...)
	return nil
}

func (d DomainInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Values())
}

// SplitList splits comma separated text, trimming and dropping empty parts.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Draft is the rule editor form.
type Draft struct {
	Prefix  string      `json:"prefix,omitempty"`
	Domains DomainInput `json:"domains"`
	ViaNode string      `json:"viaNode,omitempty"`
}

// BuildRule compiles a draft and the last confirmed path into a rule.
// A non-empty path wins over the explicit via node: the rule stores the path
// and egresses through its last hop.
func BuildRule(d Draft, path []string) (model.PolicyRule, error) {
	rule := model.PolicyRule{
		Prefix:  strings.TrimSpace(d.Prefix),
		Domains: d.Domains.Values(),
	}
	if rule.Prefix == "" && len(rule.Domains) == 0 {
		return model.PolicyRule{}, fmt.Errorf("%w: prefix or domains required", ErrInvalidRule)
	}
	if rule.Prefix != "" && !validPrefix(rule.Prefix) {
		return model.PolicyRule{}, fmt.Errorf("%w: prefix %q is not a CIDR, IP or geoip tag", ErrInvalidRule, rule.Prefix)
	}
	if len(path) > 0 {
		rule.Path = append([]string(nil), path...)
		rule.ViaNode = path[len(path)-1]
	} else {
		rule.ViaNode = strings.TrimSpace(d.ViaNode)
	}
	if rule.ViaNode == "" {
		return model.PolicyRule{}, fmt.Errorf("%w: via node required when no path is selected", ErrInvalidRule)
	}
	return rule, nil
}

func validPrefix(p string) bool {
	lower := strings.ToLower(p)
	if cc, ok := geoTag(lower); ok {
		return cc != ""
	}
	if _, err := netip.ParsePrefix(p); err == nil {
		return true
	}
	_, err := netip.ParseAddr(p)
	return err == nil
}

// geoTag strips a geoip:/geoip6: scheme and returns the country code.
func geoTag(lower string) (string, bool) {
	for _, scheme := range []string{"geoip6:", "geoip:"} {
		if strings.HasPrefix(lower, scheme) {
			return strings.TrimSpace(strings.TrimPrefix(lower, scheme)), true
		}
	}
	return "", false
}
