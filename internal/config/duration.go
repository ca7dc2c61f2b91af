package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"cooldownd/internal/model"
)

// Duration is a time.Duration written as "30s" in config files. Bare numbers
// are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration: %s", string(data))
		}
		s = n.String()
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: line %d: expected a scalar", node.Line)
	}
	return d.set(node.Value)
}

func (d *Duration) set(s string) error {
	// Negative values are accepted here and rejected by Validate with a field name.
	if len(s) > 0 && s[0] == '-' {
		parsed, err := model.ParseDuration(s[1:])
		if err != nil {
			return err
		}
		*d = Duration(-parsed)
		return nil
	}
	parsed, err := model.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
