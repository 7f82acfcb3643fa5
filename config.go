package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
	yaml "gopkg.in/yaml.v2"
)

// configFile is an optional override file in the working directory,
// layered between the built-in defaults and the environment.
const configFile = "cluster.yaml"

// Config holds every tunable of the stack. Values are layered, lowest
// to highest precedence: built-in defaults, cluster.yaml, EKS_*
// environment variables, Pulumi stack config.
type Config struct {
	VpcName            string   `yaml:"vpc_name" split_words:"true"`
	VpcCidr            string   `yaml:"vpc_cidr" split_words:"true"`
	AvailabilityZones  []string `yaml:"availability_zones" split_words:"true"`
	PrivateSubnetCidrs []string `yaml:"private_subnet_cidrs" split_words:"true"`
	PublicSubnetCidrs  []string `yaml:"public_subnet_cidrs" split_words:"true"`

	ClusterName     string `yaml:"cluster_name" split_words:"true"`
	ClusterVersion  string `yaml:"cluster_version" split_words:"true"`
	ClusterRoleName string `yaml:"cluster_role_name" split_words:"true"`

	NodeGroupName    string `yaml:"node_group_name" split_words:"true"`
	NodeDesiredCount int    `yaml:"node_desired_count" split_words:"true"`
	NodeMinCount     int    `yaml:"node_min_count" split_words:"true"`
	NodeMaxCount     int    `yaml:"node_max_count" split_words:"true"`
	NodeInstanceType string `yaml:"node_instance_type" split_words:"true"`
	NodeRoleName     string `yaml:"node_role_name" split_words:"true"`

	AwsRegion   string `yaml:"aws_region" split_words:"true"`
	Environment string `yaml:"environment" split_words:"true"`
	Project     string `yaml:"project" split_words:"true"`

	// EnableHpa is a pointer so that an explicit "false" can be told
	// apart from "not set"; unset means enabled.
	EnableHpa          *bool `yaml:"enable_hpa" split_words:"true"`
	HpaMinReplicas     int   `yaml:"hpa_min_replicas" split_words:"true"`
	HpaMaxReplicas     int   `yaml:"hpa_max_replicas" split_words:"true"`
	HpaCpuThreshold    int   `yaml:"hpa_cpu_threshold" split_words:"true"`
	HpaMemoryThreshold int   `yaml:"hpa_memory_threshold" split_words:"true"`

	DemoNamespace   string `yaml:"demo_namespace" split_words:"true"`
	DemoAppName     string `yaml:"demo_app_name" split_words:"true"`
	DemoAppImage    string `yaml:"demo_app_image" split_words:"true"`
	DemoAppReplicas int    `yaml:"demo_app_replicas" split_words:"true"`
	DemoAppPort     int    `yaml:"demo_app_port" split_words:"true"`
}

func defaultConfig() *Config {
	return &Config{
		VpcName:            "eks-vpc",
		VpcCidr:            "10.0.0.0/16",
		AvailabilityZones:  []string{"us-east-1a", "us-east-1b"},
		PrivateSubnetCidrs: []string{"10.0.1.0/24", "10.0.2.0/24"},
		PublicSubnetCidrs:  []string{"10.0.101.0/24", "10.0.102.0/24"},

		ClusterName:     "eks-cluster",
		ClusterVersion:  "1.28",
		ClusterRoleName: "eks-cluster-role",

		NodeGroupName:    "eks-node-group",
		NodeDesiredCount: 2,
		NodeMinCount:     1,
		NodeMaxCount:     4,
		NodeInstanceType: "t3.medium",
		NodeRoleName:     "eks-node-role",

		AwsRegion:   "us-east-1",
		Environment: "dev",
		Project:     "eks-project",

		HpaMinReplicas:     2,
		HpaMaxReplicas:     10,
		HpaCpuThreshold:    70,
		HpaMemoryThreshold: 80,

		DemoNamespace:   "default",
		DemoAppName:     "demo-app",
		DemoAppImage:    "nginx:latest",
		DemoAppReplicas: 2,
		DemoAppPort:     80,
	}
}

// LoadConfig resolves the full configuration for the current stack and
// validates it before any resource is declared.
func LoadConfig(ctx *pulumi.Context) (*Config, error) {
	cfg := defaultConfig()
	if err := loadConfigFile(cfg, configFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", configFile, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyStackConfig(ctx, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// An empty or fully commented file decodes as an empty stream.
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnv overlays EKS_* environment variables; unset variables
// leave the lower layers untouched. Only prefixed names are honored,
// so an ambient AWS_REGION or ENVIRONMENT cannot leak into the stack.
func applyEnv(cfg *Config) error {
	if err := envconfig.Process("eks", cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// applyStackConfig overlays Pulumi stack config. Empty or absent keys
// leave the lower layers untouched.
func applyStackConfig(ctx *pulumi.Context, cfg *Config) {
	conf := config.New(ctx, "")

	setString := func(dst *string, key string) {
		if v := conf.Get(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		// TryInt keeps an explicit 0 visible to Validate instead of
		// treating it as unset.
		if v, err := conf.TryInt(key); err == nil {
			*dst = v
		}
	}
	setStrings := func(dst *[]string, key string) {
		var v []string
		if err := conf.TryObject(key, &v); err == nil && len(v) > 0 {
			*dst = v
		}
	}

	setString(&cfg.VpcName, "vpcName")
	setString(&cfg.VpcCidr, "vpcCidr")
	setStrings(&cfg.AvailabilityZones, "availabilityZones")
	setStrings(&cfg.PrivateSubnetCidrs, "privateSubnetCidrs")
	setStrings(&cfg.PublicSubnetCidrs, "publicSubnetCidrs")

	setString(&cfg.ClusterName, "clusterName")
	setString(&cfg.ClusterVersion, "clusterVersion")
	setString(&cfg.ClusterRoleName, "clusterRoleName")

	setString(&cfg.NodeGroupName, "nodeGroupName")
	setInt(&cfg.NodeDesiredCount, "nodeDesiredCount")
	setInt(&cfg.NodeMinCount, "nodeMinCount")
	setInt(&cfg.NodeMaxCount, "nodeMaxCount")
	setString(&cfg.NodeInstanceType, "nodeInstanceType")
	setString(&cfg.NodeRoleName, "nodeRoleName")

	setString(&cfg.AwsRegion, "awsRegion")
	setString(&cfg.Environment, "environment")
	setString(&cfg.Project, "project")

	if v, err := conf.TryBool("enableHpa"); err == nil {
		cfg.EnableHpa = &v
	}
	setInt(&cfg.HpaMinReplicas, "hpaMinReplicas")
	setInt(&cfg.HpaMaxReplicas, "hpaMaxReplicas")
	setInt(&cfg.HpaCpuThreshold, "hpaCpuThreshold")
	setInt(&cfg.HpaMemoryThreshold, "hpaMemoryThreshold")

	setString(&cfg.DemoNamespace, "demoNamespace")
	setString(&cfg.DemoAppName, "demoAppName")
	setString(&cfg.DemoAppImage, "demoAppImage")
	setInt(&cfg.DemoAppReplicas, "demoAppReplicas")
	setInt(&cfg.DemoAppPort, "demoAppPort")
}

// HpaEnabled reports whether the autoscaling stack should be created.
func (c *Config) HpaEnabled() bool {
	return c.EnableHpa == nil || *c.EnableHpa
}

// Validate checks everything that is statically checkable; anything
// beyond CIDR math and sizing order is left to the cloud API at apply
// time.
func (c *Config) Validate() error {
	vpcNet, err := parseCIDR(c.VpcCidr)
	if err != nil {
		return fmt.Errorf("vpc_cidr %q: %w", c.VpcCidr, err)
	}

	azCount := len(c.AvailabilityZones)
	if azCount == 0 {
		return fmt.Errorf("at least one availability zone is required")
	}
	if len(c.PrivateSubnetCidrs) != azCount || len(c.PublicSubnetCidrs) != azCount {
		return fmt.Errorf("subnet CIDR counts (%d private, %d public) must match the %d availability zones",
			len(c.PrivateSubnetCidrs), len(c.PublicSubnetCidrs), azCount)
	}

	all := append(append([]string{}, c.PrivateSubnetCidrs...), c.PublicSubnetCidrs...)
	nets := make([]*net.IPNet, len(all))
	for i, cidr := range all {
		n, err := parseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("subnet CIDR %q: %w", cidr, err)
		}
		if !cidrWithin(n, vpcNet) {
			return fmt.Errorf("subnet CIDR %s is not contained in VPC CIDR %s", cidr, c.VpcCidr)
		}
		nets[i] = n
	}
	for i := range nets {
		for j := i + 1; j < len(nets); j++ {
			if cidrsOverlap(nets[i], nets[j]) {
				return fmt.Errorf("subnet CIDRs %s and %s overlap", all[i], all[j])
			}
		}
	}

	if c.NodeMinCount < 1 {
		return fmt.Errorf("node_min_count must be at least 1, got %d", c.NodeMinCount)
	}
	if c.NodeMinCount > c.NodeDesiredCount || c.NodeDesiredCount > c.NodeMaxCount {
		return fmt.Errorf("node counts must satisfy min <= desired <= max, got %d/%d/%d",
			c.NodeMinCount, c.NodeDesiredCount, c.NodeMaxCount)
	}

	if c.HpaMinReplicas < 1 || c.HpaMinReplicas > c.HpaMaxReplicas {
		return fmt.Errorf("hpa replicas must satisfy 1 <= min <= max, got %d/%d",
			c.HpaMinReplicas, c.HpaMaxReplicas)
	}
	for _, t := range []int{c.HpaCpuThreshold, c.HpaMemoryThreshold} {
		if t < 1 || t > 100 {
			return fmt.Errorf("hpa utilization thresholds must be within 1-100, got %d", t)
		}
	}
	if c.DemoAppReplicas < 1 {
		return fmt.Errorf("demo_app_replicas must be at least 1, got %d", c.DemoAppReplicas)
	}
	if c.DemoAppPort < 1 || c.DemoAppPort > 65535 {
		return fmt.Errorf("demo_app_port must be a valid port, got %d", c.DemoAppPort)
	}

	return nil
}

func parseCIDR(s string) (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// cidrWithin reports whether inner is fully contained in outer.
func cidrWithin(inner, outer *net.IPNet) bool {
	innerOnes, _ := inner.Mask.Size()
	outerOnes, _ := outer.Mask.Size()
	return outer.Contains(inner.IP) && innerOnes >= outerOnes
}

func cidrsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

func (c *Config) commonTags() map[string]string {
	return map[string]string{
		"Environment": c.Environment,
		"Project":     c.Project,
		"CreatedBy":   "Pulumi",
	}
}

// resourceTags returns the common tag set plus a Name tag and any
// resource-specific extras.
func (c *Config) resourceTags(name string, extra map[string]string) pulumi.StringMap {
	m := c.commonTags()
	m["Name"] = name
	for k, v := range extra {
		m[k] = v
	}
	return pulumi.ToStringMap(m)
}
