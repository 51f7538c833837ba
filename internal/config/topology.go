package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Topology describes the VCS clusters, their servers and the streams mirrored from them.
type Topology struct {
	Clusters []ClusterConfig `yaml:"clusters"`
	Tags     []TagConfig     `yaml:"tags"`
	Streams  []StreamConfig  `yaml:"streams"`
}

type ClusterConfig struct {
	Name           string             `yaml:"name"`
	ServiceAccount string             `yaml:"serviceAccount"`
	Password       string             `yaml:"password"` // password or ticket
	Servers        []EdgeServerConfig `yaml:"servers"`
}

type EdgeServerConfig struct {
	Address        string   `yaml:"address"`
	HealthCheckURL string   `yaml:"healthCheckUrl"`
	ResolveDNS     *bool    `yaml:"resolveDns"`
	Properties     []string `yaml:"properties"` // "name=value", all must match the caller
	Condition      string   `yaml:"condition"`  // expression over caller properties
}

// ShouldResolveDNS defaults to true.
func (s EdgeServerConfig) ShouldResolveDNS() bool {
	return s.ResolveDNS == nil || *s.ResolveDNS
}

type TagConfig struct {
	Name   string `yaml:"name"`
	Filter string `yaml:"filter"` // ";" separated globs, "-" prefix excludes
}

type StreamConfig struct {
	ID            string   `yaml:"id"`
	Cluster       string   `yaml:"cluster"`
	Name          string   `yaml:"name"` // depot path, e.g. //UE5/Main
	Replicate     bool     `yaml:"replicate"`
	ReplicateTags []string `yaml:"replicateTags"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) Validate() error {
	clusters := map[string]bool{}
	for _, c := range t.Clusters {
		if c.Name == "" {
			return fmt.Errorf("cluster without name")
		}
		if clusters[c.Name] {
			return fmt.Errorf("duplicate cluster %q", c.Name)
		}
		clusters[c.Name] = true
		for _, s := range c.Servers {
			if strings.TrimSpace(s.Address) == "" {
				return fmt.Errorf("cluster %q: server without address", c.Name)
			}
			for _, p := range s.Properties {
				if !strings.Contains(p, "=") {
					return fmt.Errorf("cluster %q server %q: property %q is not name=value", c.Name, s.Address, p)
				}
			}
		}
	}
	streams := map[string]bool{}
	for _, s := range t.Streams {
		if !idPattern.MatchString(s.ID) {
			return fmt.Errorf("invalid stream id %q", s.ID)
		}
		if streams[s.ID] {
			return fmt.Errorf("duplicate stream %q", s.ID)
		}
		streams[s.ID] = true
		if !clusters[s.Cluster] {
			return fmt.Errorf("stream %q references unknown cluster %q", s.ID, s.Cluster)
		}
		if !strings.HasPrefix(s.Name, "//") {
			return fmt.Errorf("stream %q: name %q is not a depot path", s.ID, s.Name)
		}
	}
	for _, tag := range t.Tags {
		if !idPattern.MatchString(tag.Name) || len(tag.Name) > 32 {
			return fmt.Errorf("invalid tag name %q", tag.Name)
		}
	}
	return nil
}

func (t *Topology) Cluster(name string) (*ClusterConfig, bool) {
	for i := range t.Clusters {
		if t.Clusters[i].Name == name {
			return &t.Clusters[i], true
		}
	}
	return nil, false
}

func (t *Topology) Stream(id string) (*StreamConfig, bool) {
	for i := range t.Streams {
		if t.Streams[i].ID == id {
			return &t.Streams[i], true
		}
	}
	return nil, false
}

// StreamsOf returns the streams of a cluster.
func (t *Topology) StreamsOf(cluster string) []StreamConfig {
	var out []StreamConfig
	for _, s := range t.Streams {
		if s.Cluster == cluster {
			out = append(out, s)
		}
	}
	return out
}
