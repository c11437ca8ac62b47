// Package dsl implements a small declarative strategy language. Programs are
// trees of tagged nodes decoded from YAML or JSON, compiled into typed
// expressions and interpreted under a step budget.
package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Program is the decoded form of a strategy file.
type Program struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Params      map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Rules       []Rule             `json:"rules" yaml:"rules"`
}

// Rule fires Action when When holds. Rules are tried in order.
type Rule struct {
	When     *Node  `json:"when" yaml:"when"`
	Action   string `json:"action" yaml:"action"`
	Strength *Node  `json:"strength,omitempty" yaml:"strength,omitempty"`
}

// Node is one tagged AST node. Op selects the variant and which of the
// remaining fields are meaningful.
//
// Scalars decode as shorthand: a number becomes {op: const} and a string
// "$name" becomes {op: param, name: name}.
type Node struct {
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Field  string  `json:"field,omitempty" yaml:"field,omitempty"`
	Period *Node   `json:"period,omitempty" yaml:"period,omitempty"`
	Offset int     `json:"offset,omitempty" yaml:"offset,omitempty"`
	Args   []*Node `json:"args,omitempty" yaml:"args,omitempty"`
}

// nodeFields avoids recursion into the custom unmarshalers.
type nodeFields Node

func scalarNode(s string) (*Node, error) {
	s = strings.TrimSpace(s)
	if name, ok := strings.CutPrefix(s, "$"); ok {
		if name == "" {
			return nil, fmt.Errorf("empty parameter reference")
		}
		return &Node{Op: OpParam, Name: name}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("scalar %q is neither a number nor a $param", s)
	}
	return &Node{Op: OpConst, Value: v}, nil
}

// UnmarshalJSON accepts an object, a number, or a "$param" string.
func (n *Node) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return fmt.Errorf("empty node")
	case b[0] == '{':
		var f nodeFields
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		*n = Node(f)
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		sn, err := scalarNode(s)
		if err != nil {
			return err
		}
		*n = *sn
		return nil
	}
	sn, err := scalarNode(string(b))
	if err != nil {
		return err
	}
	*n = *sn
	return nil
}

// UnmarshalYAML accepts a mapping or a scalar shorthand.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var f nodeFields
		if err := value.Decode(&f); err != nil {
			return err
		}
		*n = Node(f)
		return nil
	case yaml.ScalarNode:
		sn, err := scalarNode(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*n = *sn
		return nil
	}
	return fmt.Errorf("line %d: node must be a mapping or scalar", value.Line)
}

// Parse decodes a program from YAML. JSON input is accepted because YAML is
// a superset of it.
func Parse(data []byte) (*Program, error) {
	var p Program
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("dsl: parse: %w", err)
	}
	return &p, nil
}
