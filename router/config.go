package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Config is the declarative routing tree an embedded router is built
// from: named pools of backend servers and a tree of route nodes ending
// in pool references.
//
//	{
//	  "pools": {
//	    "A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}
//	  },
//	  "route": {
//	    "type": "KeySplitRoute",
//	    "destination": "Pool|A",
//	    "replicas": 4,
//	    "all_sync": false
//	  }
//	}
type Config struct {
	Pools map[string]PoolConfig `json:"pools"`
	Route json.RawMessage       `json:"route"`
}

// PoolConfig describes one pool of equivalent backend servers.
type PoolConfig struct {
	Servers  []string `json:"servers"`
	Protocol string   `json:"protocol"`
}

// routeNode is one node of the route tree. "Pool|<name>" strings are a
// shorthand for a PoolRoute node.
type routeNode struct {
	Type        string          `json:"type"`
	Pool        string          `json:"pool"`
	Destination json.RawMessage `json:"destination"`
	Replicas    *int            `json:"replicas"`
	AllSync     *bool           `json:"all_sync"`
}

// ParseConfig decodes and statically validates a configuration blob.
// Validation failures reject the whole configuration before any
// connection is dialed.
func ParseConfig(blob string) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("router config: %w", err)
	}
	if len(cfg.Pools) == 0 {
		return nil, errors.New("router config: no pools defined")
	}
	for name, pool := range cfg.Pools {
		if len(pool.Servers) == 0 {
			return nil, fmt.Errorf("router config: pool %q has no servers", name)
		}
		if pool.Protocol == "" {
			return nil, fmt.Errorf("router config: pool %q has no protocol", name)
		}
	}
	if len(cfg.Route) == 0 {
		return nil, errors.New("router config: no route")
	}
	if err := validateRoute(cfg.Route, cfg.Pools); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateRoute(raw json.RawMessage, pools map[string]PoolConfig) error {
	name, node, err := decodeRouteNode(raw)
	if err != nil {
		return err
	}
	if name != "" {
		if _, ok := pools[name]; !ok {
			return fmt.Errorf("route references unknown pool %q", name)
		}
		return nil
	}

	switch node.Type {
	case "PoolRoute":
		if node.Pool == "" {
			return errors.New("PoolRoute: no pool specified")
		}
		if _, ok := pools[node.Pool]; !ok {
			return fmt.Errorf("PoolRoute: unknown pool %q", node.Pool)
		}
		return nil
	case "KeySplitRoute":
		if len(node.Destination) == 0 {
			return errors.New("KeySplitRoute: no destination route")
		}
		if node.Replicas == nil {
			return errors.New("KeySplitRoute: no replicas specified")
		}
		if node.AllSync == nil {
			return errors.New("KeySplitRoute: all_sync not specified")
		}
		return validateRoute(node.Destination, pools)
	case "":
		return errors.New("route node has no type")
	default:
		return fmt.Errorf("unknown route type %q", node.Type)
	}
}

// decodeRouteNode splits the two node encodings apart: a "Pool|name"
// shorthand string or a full object.
func decodeRouteNode(raw json.RawMessage) (pool string, node routeNode, err error) {
	var shorthand string
	if jsonErr := json.Unmarshal(raw, &shorthand); jsonErr == nil {
		const prefix = "Pool|"
		if !strings.HasPrefix(shorthand, prefix) || len(shorthand) == len(prefix) {
			return "", node, fmt.Errorf("malformed route shorthand %q", shorthand)
		}
		return shorthand[len(prefix):], node, nil
	}
	if err = json.Unmarshal(raw, &node); err != nil {
		return "", node, fmt.Errorf("malformed route node: %w", err)
	}
	return "", node, nil
}
