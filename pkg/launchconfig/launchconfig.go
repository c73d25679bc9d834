// Package launchconfig provides the deployment-configuration
// collaborator: the launch tooling reads each project's boot image from
// Parameter Store, and promotion repoints that parameter before the old
// image is reclaimed.
package launchconfig

import (
	"context"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/devbox-infra/lifecycle/pkg/errors"
)

// Repointer updates the launch configuration for a project to boot from
// a new image. The write must be durable before the caller deletes the
// previously active image.
type Repointer interface {
	Repoint(ctx context.Context, project, imageID string) error
}

// SSMRepointer stores the active image id per project under
// <prefix>/<project>/ami in Parameter Store
type SSMRepointer struct {
	ssm    *ssm.Client
	prefix string
}

// NewSSMRepointer creates a Parameter Store backed repointer
func NewSSMRepointer(ctx context.Context, region, prefix string) (*SSMRepointer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return &SSMRepointer{ssm: ssm.NewFromConfig(cfg), prefix: prefix}, nil
}

// Repoint overwrites the project's boot image parameter
func (r *SSMRepointer) Repoint(ctx context.Context, project, imageID string) error {
	name := path.Join(r.prefix, project, "ami")
	_, err := r.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(imageID),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		slog.Error("launchconfig_repoint_failed", "project", project, "image_id", imageID, "error", err)
		return errors.Wrap(err, "failed to put launch parameter")
	}

	slog.Info("launchconfig_repointed", "project", project, "image_id", imageID, "parameter", name)
	return nil
}

// FakeRepointer records repoints for tests
type FakeRepointer struct {
	Pointers map[string]string
	Calls    int
	Err      error
}

// NewFakeRepointer creates an empty fake
func NewFakeRepointer() *FakeRepointer {
	return &FakeRepointer{Pointers: make(map[string]string)}
}

func (r *FakeRepointer) Repoint(ctx context.Context, project, imageID string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Calls++
	r.Pointers[project] = imageID
	return nil
}
