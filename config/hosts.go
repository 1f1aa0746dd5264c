package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HostConfig is one normalized database host. Weight only matters under
// the weighted balancing strategy.
type HostConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

// Key identifies the host inside health maps and reports.
func (h HostConfig) Key() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// HostList accepts the heterogeneous shapes config files use for hosts:
//
//	host: db1.internal
//	host: [db1.internal, "db2.internal:5433"]
//	host:
//	  - {host: db1.internal, weight: 10}
//	  - {host: db2.internal, port: 5433, weight: 5}
//
// and normalizes them all into a weighted list.
type HostList []HostConfig

func (hl *HostList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		h, err := parseHostScalar(value.Value)
		if err != nil {
			return err
		}
		*hl = HostList{h}
		return nil
	case yaml.SequenceNode:
		out := make(HostList, 0, len(value.Content))
		for _, item := range value.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				h, err := parseHostScalar(item.Value)
				if err != nil {
					return err
				}
				out = append(out, h)
			case yaml.MappingNode:
				var h HostConfig
				if err := item.Decode(&h); err != nil {
					return err
				}
				if strings.TrimSpace(h.Host) == "" {
					return errHostRequired
				}
				out = append(out, h)
			default:
				return fmt.Errorf("config: bad host entry at line %d", item.Line)
			}
		}
		*hl = out
		return nil
	default:
		return fmt.Errorf("config: bad host node at line %d", value.Line)
	}
}

// parseHostScalar handles "host" and "host:port".
func parseHostScalar(s string) (HostConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostConfig{}, errHostRequired
	}
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, perr := strconv.Atoi(portStr)
		if perr != nil || port <= 0 {
			return HostConfig{}, fmt.Errorf("config: bad port in host %q", s)
		}
		return HostConfig{Host: host, Port: port}, nil
	}
	return HostConfig{Host: s}, nil
}

// normalized fills in default port and weight for every entry.
func (hl HostList) normalized(defaultPort int) []HostConfig {
	out := make([]HostConfig, 0, len(hl))
	for _, h := range hl {
		if h.Port == 0 {
			h.Port = defaultPort
		}
		if h.Weight == 0 {
			h.Weight = 1
		}
		out = append(out, h)
	}
	return out
}
