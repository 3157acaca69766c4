package cloudcontrol

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/upstack-tools/upstack/provider"
)

// DefaultStabilizeTimeout bounds the wait for an asynchronous resource
// operation to reach a terminal status.
const DefaultStabilizeTimeout = 15 * time.Minute

type Provider struct {
	client  *Client
	timeout time.Duration
}

func NewProvider(client *Client) *Provider {
	return &Provider{
		client:  client,
		timeout: DefaultStabilizeTimeout,
	}
}

func (p *Provider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	desired, err := json.Marshal(props)
	if err != nil {
		return nil, &provider.Error{Op: "create", TypeName: typeName, Err: errors.Wrap(err, "encoding desired state")}
	}

	// The client token lets Cloud Control deduplicate a create that is
	// re-issued after a transient failure.
	input := &cloudcontrol.CreateResourceInput{
		TypeName:     aws.String(typeName),
		DesiredState: aws.String(string(desired)),
	}
	if clientToken != "" {
		input.ClientToken = aws.String(clientToken)
	}
	out, err := p.client.CloudControl.CreateResource(ctx, input)
	if err != nil {
		return nil, wrapErr("create", typeName, "", err)
	}

	identifier, err := p.waitStable(ctx, out.ProgressEvent.RequestToken)
	if err != nil {
		return nil, wrapErr("create", typeName, "", err)
	}

	return p.Read(ctx, typeName, identifier)
}

func (p *Provider) Read(ctx context.Context, typeName, identifier string) (*provider.Resource, error) {
	out, err := p.client.CloudControl.GetResource(ctx, &cloudcontrol.GetResourceInput{
		TypeName:   aws.String(typeName),
		Identifier: aws.String(identifier),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &provider.Error{Op: "read", TypeName: typeName, Identifier: identifier, Err: provider.ErrNotFound}
		}
		return nil, wrapErr("read", typeName, identifier, err)
	}

	res := &provider.Resource{
		Type:       typeName,
		Identifier: identifier,
		Properties: map[string]any{},
	}
	if out.ResourceDescription != nil && out.ResourceDescription.Properties != nil {
		if err := json.Unmarshal([]byte(*out.ResourceDescription.Properties), &res.Properties); err != nil {
			return nil, &provider.Error{Op: "read", TypeName: typeName, Identifier: identifier, Err: errors.Wrap(err, "decoding resource properties")}
		}
	}
	return res, nil
}

func (p *Provider) Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*provider.Resource, error) {
	patch, err := patchDocument(props, removed)
	if err != nil {
		return nil, &provider.Error{Op: "update", TypeName: typeName, Identifier: identifier, Err: err}
	}

	out, err := p.client.CloudControl.UpdateResource(ctx, &cloudcontrol.UpdateResourceInput{
		TypeName:      aws.String(typeName),
		Identifier:    aws.String(identifier),
		PatchDocument: aws.String(patch),
	})
	if err != nil {
		return nil, wrapErr("update", typeName, identifier, err)
	}

	newIdentifier, err := p.waitStable(ctx, out.ProgressEvent.RequestToken)
	if err != nil {
		return nil, wrapErr("update", typeName, identifier, err)
	}
	if newIdentifier == "" {
		newIdentifier = identifier
	}
	return p.Read(ctx, typeName, newIdentifier)
}

func (p *Provider) Delete(ctx context.Context, typeName, identifier string) error {
	out, err := p.client.CloudControl.DeleteResource(ctx, &cloudcontrol.DeleteResourceInput{
		TypeName:   aws.String(typeName),
		Identifier: aws.String(identifier),
	})
	if err != nil {
		if isNotFound(err) {
			// Deleting a resource that is already gone is convergence, not
			// failure.
			return nil
		}
		return wrapErr("delete", typeName, identifier, err)
	}
	if _, err := p.waitStable(ctx, out.ProgressEvent.RequestToken); err != nil {
		return wrapErr("delete", typeName, identifier, err)
	}
	return nil
}

// waitStable blocks until the asynchronous request identified by token
// reaches success, returning the live resource identifier.
func (p *Provider) waitStable(ctx context.Context, token *string) (string, error) {
	waiter := cloudcontrol.NewResourceRequestSuccessWaiter(p.client.CloudControl)
	out, err := waiter.WaitForOutput(ctx, &cloudcontrol.GetResourceRequestStatusInput{
		RequestToken: token,
	}, p.timeout)
	if err != nil {
		return "", err
	}
	if out.ProgressEvent != nil && out.ProgressEvent.Identifier != nil {
		return *out.ProgressEvent.Identifier, nil
	}
	return "", nil
}

// patchDocument builds the RFC 6902 patch for an in-place update: one
// replace per desired property, one remove per property dropped from the
// template.
func patchDocument(props map[string]any, removed []string) (string, error) {
	type op struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value,omitempty"`
	}
	var ops []op
	for name, val := range props {
		ops = append(ops, op{Op: "add", Path: "/" + name, Value: val})
	}
	for _, name := range removed {
		ops = append(ops, op{Op: "remove", Path: "/" + name})
	}
	buf, err := json.Marshal(ops)
	if err != nil {
		return "", errors.Wrap(err, "encoding patch document")
	}
	return string(buf), nil
}

func wrapErr(op, typeName, identifier string, err error) error {
	return &provider.Error{
		Op:         op,
		TypeName:   typeName,
		Identifier: identifier,
		Transient:  isTransient(err),
		Err:        err,
	}
}

var transientCodes = map[string]bool{
	"ThrottlingException":           true,
	"RequestLimitExceeded":          true,
	"ServiceUnavailableException":   true,
	"ServiceInternalErrorException": true,
	"InternalFailure":               true,
	"ConcurrentOperationException":  true,
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return transientCodes[apiErr.ErrorCode()]
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceNotFoundException"
	}
	return false
}
