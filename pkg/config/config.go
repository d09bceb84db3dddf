// Package config loads and hot-reloads the per-node cluster configuration
// that cmd/ralworker needs to stand up a query-execution participant:
// this node's identity, the full ordinal node list, the designated
// master, executor pool size, and the GROUP BY expression source for the
// query this node will run.
//
// Grounded on the teacher's pkg/core/client/config.go doc-comment style
// (validate-then-construct factory functions) and
// blubskye-yandere_sql_manager's internal/config/config.go for the
// gopkg.in/yaml.v3 load pattern itself, since the teacher does not load
// its own configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/physical"
)

// ClusterConfig is the on-disk shape of a node's configuration file.
type ClusterConfig struct {
	QueryID string   `yaml:"query_id"`
	Self    string   `yaml:"self"`
	Master  string   `yaml:"master"`
	Nodes   []string `yaml:"nodes"`

	ExecutorWorkers int `yaml:"executor_workers"`

	GroupByColumns     []int    `yaml:"group_by_columns"`
	Aggregations       []string `yaml:"aggregations"`
	AggregationColumns []string `yaml:"aggregation_columns"`
	AggregateAlias     []string `yaml:"aggregate_aliases"`

	TelemetryDSN string `yaml:"telemetry_dsn,omitempty"`
}

// Load reads and parses path as YAML into a ClusterConfig. It does not
// validate cross-field invariants (node membership, duplicates) — that's
// clustercontext.New's job once the config is turned into a Context.
func Load(path string) (*ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ExecutorWorkers == 0 {
		cfg.ExecutorWorkers = defaultExecutorWorkers
	}
	return &cfg, nil
}

const defaultExecutorWorkers = 4

// ClusterContext builds a clustercontext.Context from the loaded
// configuration, carrying the given step/substep tokens. TaskEvent records
// do not include these tokens.
func (c *ClusterConfig) ClusterContext(step, substep int) (*clustercontext.Context, error) {
	nodes := make([]clustercontext.NodeID, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = clustercontext.NodeID(n)
	}
	return clustercontext.New(clustercontext.Config{
		QueryID: c.QueryID,
		Step:    step,
		Substep: substep,
		Self:    clustercontext.NodeID(c.Self),
		Master:  clustercontext.NodeID(c.Master),
		Nodes:   nodes,
	})
}

// Operator builds the OperatorDescriptor this node's kernels should run
// from the configuration's already-resolved GROUP BY fields. This
// module's config format stores the descriptor directly rather than a
// free-text expression — parsing SQL GROUP BY text into this shape is
// the out-of-scope upstream planner's job (spec §1, §6 ExpressionParser).
func (c *ClusterConfig) Operator() (physical.OperatorDescriptor, error) {
	types := make([]physical.AggregationType, len(c.Aggregations))
	for i, name := range c.Aggregations {
		t, err := parseAggregationType(name)
		if err != nil {
			return physical.OperatorDescriptor{}, err
		}
		types[i] = t
	}
	if len(c.AggregationColumns) != len(c.Aggregations) {
		return physical.OperatorDescriptor{}, fmt.Errorf("config: %d aggregations but %d aggregation_columns", len(c.Aggregations), len(c.AggregationColumns))
	}
	if len(c.AggregateAlias) != len(c.Aggregations) {
		return physical.OperatorDescriptor{}, fmt.Errorf("config: %d aggregations but %d aggregate_aliases", len(c.Aggregations), len(c.AggregateAlias))
	}
	return physical.OperatorDescriptor{
		GroupColumnIndices:          append([]int(nil), c.GroupByColumns...),
		AggregationInputExpressions: append([]string(nil), c.AggregationColumns...),
		AggregationTypes:            types,
		AggregationColumnAliases:    append([]string(nil), c.AggregateAlias...),
	}, nil
}

func parseAggregationType(name string) (physical.AggregationType, error) {
	switch name {
	case "SUM":
		return physical.SUM, nil
	case "COUNT_VALID":
		return physical.COUNT_VALID, nil
	case "COUNT_ALL":
		return physical.COUNT_ALL, nil
	case "MIN":
		return physical.MIN, nil
	case "MAX":
		return physical.MAX, nil
	case "MEAN":
		return physical.MEAN, nil
	case "SUM0":
		return physical.SUM0, nil
	case "NTH_ELEMENT":
		return physical.NTH_ELEMENT, nil
	case "COUNT_DISTINCT":
		return physical.COUNT_DISTINCT, nil
	default:
		return 0, fmt.Errorf("config: unknown aggregation type %q", name)
	}
}

// ReloadInterval is the minimum time between two applied reloads of the
// same file, debouncing the burst of fsnotify events a single `mv`/`cp`
// onto the config path tends to generate.
const ReloadInterval = 250 * time.Millisecond
