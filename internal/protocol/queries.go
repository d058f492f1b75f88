package protocol

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed queries.yaml
var queriesYAML []byte

// Query names one device data request: the command code and the
// logical-record range it covers.
type Query struct {
	Command uint32 `yaml:"command"`
	First   uint32 `yaml:"first"`
	Last    uint32 `yaml:"last"`
}

// QueryTable maps human-meaningful query names to their wire parameters.
// The table is data, not logic; callers may supply their own.
type QueryTable map[string]Query

// Lookup returns the named query.
func (t QueryTable) Lookup(name string) (Query, error) {
	q, ok := t[name]
	if !ok {
		return Query{}, fmt.Errorf("unknown query %q", name)
	}
	return q, nil
}

type queryFile struct {
	Queries QueryTable `yaml:"queries"`
}

// LoadDefaultQueries parses the embedded query table.
func LoadDefaultQueries() (QueryTable, error) {
	var f queryFile
	if err := yaml.Unmarshal(queriesYAML, &f); err != nil {
		return nil, fmt.Errorf("failed to parse embedded query table: %w", err)
	}
	if len(f.Queries) == 0 {
		return nil, fmt.Errorf("embedded query table is empty")
	}
	return f.Queries, nil
}
