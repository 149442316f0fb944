package domain

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultRankField = "rank"

// BoardDefinition is the persisted form of a board configuration. YAML and
// JSON documents decode into it.
type BoardDefinition struct {
	Key          string               `yaml:"key" json:"key"`
	Name         string               `yaml:"name,omitempty" json:"name,omitempty"`
	Query        string               `yaml:"query,omitempty" json:"query,omitempty"`
	RankField    string               `yaml:"rank-field,omitempty" json:"rank-field,omitempty"`
	Projects     []string             `yaml:"projects,omitempty" json:"projects,omitempty"`
	Columns      []ColumnDefinition   `yaml:"columns" json:"columns"`
	Swimlane     SwimlaneDefinition   `yaml:"swimlane,omitempty" json:"swimlane,omitempty"`
	CustomFields []CustomFieldMapping `yaml:"custom-fields,omitempty" json:"custom-fields,omitempty"`
}

type ColumnDefinition struct {
	Name    string   `yaml:"name" json:"name"`
	Ordinal *int     `yaml:"ordinal,omitempty" json:"ordinal,omitempty"`
	States  []string `yaml:"states" json:"states"`
	Header  string   `yaml:"header,omitempty" json:"header,omitempty"`
}

type SwimlaneDefinition struct {
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Field    string `yaml:"field,omitempty" json:"field,omitempty"`
}

// CustomFieldMapping maps an external tracker field onto a named board field.
// Values, when given, fix the display order of swimlanes for that field.
type CustomFieldMapping struct {
	Name   string   `yaml:"name" json:"name"`
	Field  string   `yaml:"field" json:"field"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// ParseDefinition decodes a YAML or JSON board definition.
func ParseDefinition(data []byte) (BoardDefinition, error) {
	var def BoardDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return BoardDefinition{}, &ConfigurationError{Board: def.Key, Reason: "unreadable definition", Err: err}
	}
	return def, nil
}

// MarshalDefinition encodes a definition as YAML.
func MarshalDefinition(def BoardDefinition) ([]byte, error) {
	return yaml.Marshal(def)
}

// Column is a resolved board column.
type Column struct {
	Name    string
	Ordinal int
	States  []string
	Header  string
}

// Config is the immutable, validated view of a board definition. A new
// definition replaces a Config wholesale.
type Config struct {
	def          BoardDefinition
	columns      []Column
	stateColumn  map[string]int
	columnByName map[string]int
	swimlane     SwimlaneStrategy
	customFields map[string]CustomFieldMapping
}

// NewConfig validates a definition and builds its lookup tables.
func NewConfig(def BoardDefinition) (*Config, error) {
	key := strings.TrimSpace(def.Key)
	if key == "" {
		return nil, configErrorf("", "missing board key")
	}
	if len(def.Columns) == 0 {
		return nil, configErrorf(key, "no columns defined")
	}
	def = cloneDefinition(def)
	def.Key = key
	if def.RankField == "" {
		def.RankField = DefaultRankField
	}

	cols := make([]ColumnDefinition, len(def.Columns))
	copy(cols, def.Columns)
	sort.SliceStable(cols, func(i, j int) bool {
		return ordinalOf(cols[i], i) < ordinalOf(cols[j], j)
	})

	cfg := &Config{
		def:          def,
		columns:      make([]Column, 0, len(cols)),
		stateColumn:  make(map[string]int),
		columnByName: make(map[string]int, len(cols)),
		customFields: make(map[string]CustomFieldMapping, len(def.CustomFields)),
	}
	for i, c := range cols {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, configErrorf(key, "column %d has no name", i)
		}
		if _, dup := cfg.columnByName[name]; dup {
			return nil, configErrorf(key, "duplicate column %q", name)
		}
		cfg.columnByName[name] = i
		for _, st := range c.States {
			if prev, dup := cfg.stateColumn[st]; dup {
				return nil, configErrorf(key, "state %q mapped to both %q and %q", st, cfg.columns[prev].Name, name)
			}
			cfg.stateColumn[st] = i
		}
		cfg.columns = append(cfg.columns, Column{Name: name, Ordinal: i, States: slices.Clone(c.States), Header: c.Header})
	}

	for _, cf := range def.CustomFields {
		if cf.Name == "" || cf.Field == "" {
			return nil, configErrorf(key, "custom field mapping needs both name and field")
		}
		if _, dup := cfg.customFields[cf.Name]; dup {
			return nil, configErrorf(key, "duplicate custom field %q", cf.Name)
		}
		cfg.customFields[cf.Name] = cf
	}

	sl, err := ParseSwimlaneStrategy(def.Swimlane)
	if err != nil {
		return nil, &ConfigurationError{Board: key, Reason: "swimlane", Err: err}
	}
	if sl.Kind == SwimlaneByField {
		if _, ok := cfg.customFields[sl.Field]; !ok {
			return nil, configErrorf(key, "swimlane field %q has no custom field mapping", sl.Field)
		}
	}
	cfg.swimlane = sl
	return cfg, nil
}

func ordinalOf(c ColumnDefinition, pos int) int {
	if c.Ordinal != nil {
		return *c.Ordinal
	}
	return pos
}

func cloneDefinition(def BoardDefinition) BoardDefinition {
	def.Projects = slices.Clone(def.Projects)
	cols := make([]ColumnDefinition, len(def.Columns))
	for i, c := range def.Columns {
		c.States = slices.Clone(c.States)
		if c.Ordinal != nil {
			o := *c.Ordinal
			c.Ordinal = &o
		}
		cols[i] = c
	}
	def.Columns = cols
	cfs := make([]CustomFieldMapping, len(def.CustomFields))
	for i, cf := range def.CustomFields {
		cf.Values = slices.Clone(cf.Values)
		cfs[i] = cf
	}
	def.CustomFields = cfs
	return def
}

func (c *Config) Key() string       { return c.def.Key }
func (c *Config) Name() string      { return c.def.Name }
func (c *Config) Query() string     { return c.def.Query }
func (c *Config) RankField() string { return c.def.RankField }

func (c *Config) Projects() []string { return slices.Clone(c.def.Projects) }

// Definition returns a copy of the definition the config was built from.
func (c *Config) Definition() BoardDefinition { return cloneDefinition(c.def) }

func (c *Config) Swimlane() SwimlaneStrategy { return c.swimlane }

func (c *Config) NumColumns() int { return len(c.columns) }

// Columns returns the columns in board order.
func (c *Config) Columns() []Column {
	out := make([]Column, len(c.columns))
	for i, col := range c.columns {
		col.States = slices.Clone(col.States)
		out[i] = col
	}
	return out
}

func (c *Config) ColumnName(i int) string { return c.columns[i].Name }

// ColumnFor maps an issue state to a column index.
func (c *Config) ColumnFor(state string) (int, bool) {
	i, ok := c.stateColumn[state]
	return i, ok
}

func (c *Config) ColumnIndex(name string) (int, bool) {
	i, ok := c.columnByName[name]
	return i, ok
}

func (c *Config) CustomField(name string) (CustomFieldMapping, bool) {
	cf, ok := c.customFields[name]
	return cf, ok
}

// CustomFields returns the mappings in definition order.
func (c *Config) CustomFields() []CustomFieldMapping {
	return cloneDefinition(BoardDefinition{CustomFields: c.def.CustomFields}).CustomFields
}

// SwimlaneOrder lists the configured swimlane keys that lead the board,
// before any discovered values.
func (c *Config) SwimlaneOrder() []string {
	switch c.swimlane.Kind {
	case SwimlaneByProject:
		return slices.Clone(c.def.Projects)
	case SwimlaneByField:
		return slices.Clone(c.customFields[c.swimlane.Field].Values)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("board %s (%d columns, swimlane %s)", c.def.Key, len(c.columns), c.swimlane)
}
