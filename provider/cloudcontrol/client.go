// Package cloudcontrol implements the provider contract against the AWS
// Cloud Control API, which exposes uniform create/read/update/delete
// operations across resource types, and backs cross-stack imports with
// CloudFormation exports.
package cloudcontrol

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/pkg/errors"
)

type Client struct {
	cfg            aws.Config
	CloudControl   *cloudcontrol.Client
	CloudFormation *cloudformation.Client
}

func NewClient(ctx context.Context, region, profile string) (*Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	if profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load SDK config")
	}

	return &Client{
		cfg:            cfg,
		CloudControl:   cloudcontrol.NewFromConfig(cfg),
		CloudFormation: cloudformation.NewFromConfig(cfg),
	}, nil
}

func (c *Client) Region() string {
	return c.cfg.Region
}
