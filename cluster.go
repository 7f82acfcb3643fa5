package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/eks"
	"github.com/pulumi/pulumi-kubernetes/sdk/v3/go/kubernetes"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// cluster bundles the control plane, its node group and a rendered
// kubeconfig for talking to it.
type cluster struct {
	eks        *eks.Cluster
	nodeGroup  *eks.NodeGroup
	kubeconfig pulumi.StringOutput
}

// newCluster declares the EKS control plane across all subnets and a
// managed node group on the private ones.
func newCluster(ctx *pulumi.Context, cfg *Config, net *network, roles *clusterRoles, sgs *securityGroups) (*cluster, error) {
	eksCluster, err := eks.NewCluster(ctx, cfg.ClusterName, &eks.ClusterArgs{
		Version: pulumi.String(cfg.ClusterVersion),
		RoleArn: roles.cluster.Arn,
		VpcConfig: &eks.ClusterVpcConfigArgs{
			SubnetIds:             net.allSubnetIDs(),
			SecurityGroupIds:      pulumi.StringArray{sgs.cluster.ID()},
			EndpointPrivateAccess: pulumi.Bool(true),
			EndpointPublicAccess:  pulumi.Bool(true),
		},
		Tags: cfg.resourceTags(cfg.ClusterName, nil),
	})
	if err != nil {
		return nil, err
	}

	nodeGroup, err := eks.NewNodeGroup(ctx, cfg.NodeGroupName, &eks.NodeGroupArgs{
		ClusterName:   eksCluster.Name,
		NodeGroupName: pulumi.String(cfg.NodeGroupName),
		NodeRoleArn:   roles.node.Arn,
		SubnetIds:     net.privateSubnetIDs(),
		InstanceTypes: pulumi.StringArray{pulumi.String(cfg.NodeInstanceType)},
		ScalingConfig: &eks.NodeGroupScalingConfigArgs{
			DesiredSize: pulumi.Int(cfg.NodeDesiredCount),
			MinSize:     pulumi.Int(cfg.NodeMinCount),
			MaxSize:     pulumi.Int(cfg.NodeMaxCount),
		},
		Tags: cfg.resourceTags(cfg.NodeGroupName, nil),
	})
	if err != nil {
		return nil, err
	}

	ca := eksCluster.CertificateAuthorities.ApplyT(func(cas []eks.ClusterCertificateAuthority) string {
		if len(cas) == 0 || cas[0].Data == nil {
			return ""
		}
		return *cas[0].Data
	}).(pulumi.StringOutput)

	kubeconfig := pulumi.All(eksCluster.Endpoint, ca, eksCluster.Name).ApplyT(func(args []interface{}) string {
		return renderKubeconfig(args[0].(string), args[1].(string), args[2].(string), cfg.AwsRegion)
	}).(pulumi.StringOutput)

	return &cluster{eks: eksCluster, nodeGroup: nodeGroup, kubeconfig: kubeconfig}, nil
}

// newKubernetesProvider builds an explicit provider against the new
// cluster. It depends on the node group so that workloads are not
// submitted before any node can run them.
func newKubernetesProvider(ctx *pulumi.Context, name string, cl *cluster) (*kubernetes.Provider, error) {
	return kubernetes.NewProvider(ctx, name, &kubernetes.ProviderArgs{
		Kubeconfig: cl.kubeconfig,
	}, pulumi.DependsOn([]pulumi.Resource{cl.nodeGroup}))
}

// renderKubeconfig builds a kubeconfig that authenticates through the
// aws CLI exec credential plugin, per
// https://docs.aws.amazon.com/eks/latest/userguide/create-kubeconfig.html
func renderKubeconfig(endpoint, caData, clusterName, region string) string {
	return fmt.Sprintf(`{
  "apiVersion": "v1",
  "kind": "Config",
  "clusters": [{
    "name": %[3]q,
    "cluster": {
      "server": %[1]q,
      "certificate-authority-data": %[2]q
    }
  }],
  "contexts": [{
    "name": "aws",
    "context": {
      "cluster": %[3]q,
      "user": "aws"
    }
  }],
  "current-context": "aws",
  "users": [{
    "name": "aws",
    "user": {
      "exec": {
        "apiVersion": "client.authentication.k8s.io/v1beta1",
        "command": "aws",
        "args": ["--region", %[4]q, "eks", "get-token", "--cluster-name", %[3]q]
      }
    }
  }]
}`, endpoint, caData, clusterName, region)
}
