package rules

import (
	"fmt"
	"os"

	"tunerd/internal/jsonstore"
)

// Parse decodes and compiles a rule list. A rule that fails to
// compile rejects the whole document so a half-valid rule file never
// takes effect.
func Parse(b []byte) ([]*Rule, error) {
	var list []*Rule
	if err := jsonstore.Decode(b, &list); err != nil {
		return nil, err
	}
	for i, r := range list {
		if err := r.Compile(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return list, nil
}

// Load reads the rule store. A missing file means no rules yet.
func Load(path string) ([]*Rule, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	list, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}
