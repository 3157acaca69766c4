package cloudcontrol

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/pkg/errors"

	"github.com/upstack-tools/upstack/state"
)

// ListExports fetches every CloudFormation export visible in the client's
// region. The result backs importvalue() lookups during evaluation.
func (c *Client) ListExports(ctx context.Context) (state.Exports, error) {
	exports := state.Exports{}
	pager := cloudformation.NewListExportsPaginator(c.CloudFormation, &cloudformation.ListExportsInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "listing stack exports")
		}
		for _, exp := range page.Exports {
			if exp.Name == nil || exp.Value == nil {
				continue
			}
			exports[*exp.Name] = *exp.Value
		}
	}
	return exports, nil
}
