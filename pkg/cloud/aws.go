package cloud

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/devbox-infra/lifecycle/pkg/errors"
)

// Tag keys applied to resources the saga creates
const (
	TagProject   = "Project"
	TagVolumeID  = "VolumeID"
	TagManagedBy = "ManagedBy"
)

// ManagedByValue marks images created by this system. Promotion only
// deletes old images carrying this tag; anything else is left alone.
const ManagedByValue = "devbox-lifecycle"

const defaultVolumeType = "gp3"

// Client implements Compute against EC2
type Client struct {
	ec2 *ec2.Client
}

// NewClient creates an EC2-backed cloud client
func NewClient(ctx context.Context, region string) (*Client, error) {
	slog.Info("cloud_client_init", "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{ec2: ec2.NewFromConfig(cfg)}, nil
}

// DescribeInstance returns instance details including attached volumes
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			slog.Info("cloud_instance_not_found", "instance_id", instanceID)
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to describe instance")
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, nil
	}

	inst := out.Reservations[0].Instances[0]
	result := &Instance{
		ID:                 aws.ToString(inst.InstanceId),
		RootDeviceName:     aws.ToString(inst.RootDeviceName),
		Architecture:       string(inst.Architecture),
		VirtualizationType: string(inst.VirtualizationType),
		InstanceType:       string(inst.InstanceType),
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == TagProject {
			result.Project = aws.ToString(tag.Value)
		}
	}
	for _, bdm := range inst.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		result.Volumes = append(result.Volumes, Volume{
			ID:         aws.ToString(bdm.Ebs.VolumeId),
			DeviceName: aws.ToString(bdm.DeviceName),
		})
	}
	return result, nil
}

// CreateSnapshot starts a snapshot of a volume tagged with the project
func (c *Client) CreateSnapshot(ctx context.Context, project, volumeID string) (string, error) {
	out, err := c.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(fmt.Sprintf("%s-%s", project, volumeID)),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeSnapshot,
				Tags: []ec2types.Tag{
					{Key: aws.String(TagProject), Value: aws.String(project)},
					{Key: aws.String(TagVolumeID), Value: aws.String(volumeID)},
				},
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create snapshot")
	}

	snapshotID := aws.ToString(out.SnapshotId)
	slog.Info("cloud_snapshot_created", "project", project, "volume_id", volumeID, "snapshot_id", snapshotID)
	return snapshotID, nil
}

// DescribeSnapshot returns snapshot details, or nil when absent
func (c *Client) DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	out, err := c.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to describe snapshot")
	}
	if len(out.Snapshots) == 0 {
		return nil, nil
	}

	snap := out.Snapshots[0]
	return &Snapshot{
		ID:            aws.ToString(snap.SnapshotId),
		State:         string(snap.State),
		VolumeSizeGiB: aws.ToInt32(snap.VolumeSize),
		VolumeType:    defaultVolumeType,
	}, nil
}

// RegisterImage registers a bootable image from completed snapshots
func (c *Client) RegisterImage(ctx context.Context, spec ImageSpec) (string, error) {
	var mappings []ec2types.BlockDeviceMapping
	for _, m := range spec.Mappings {
		volumeType := m.VolumeType
		if volumeType == "" {
			volumeType = defaultVolumeType
		}
		mappings = append(mappings, ec2types.BlockDeviceMapping{
			DeviceName: aws.String(m.DeviceName),
			Ebs: &ec2types.EbsBlockDevice{
				SnapshotId:          aws.String(m.SnapshotID),
				VolumeSize:          aws.Int32(m.VolumeSizeGiB),
				VolumeType:          ec2types.VolumeType(volumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		})
	}

	out, err := c.ec2.RegisterImage(ctx, &ec2.RegisterImageInput{
		Name:                aws.String(spec.Name),
		Architecture:        ec2types.ArchitectureValues(spec.Architecture),
		RootDeviceName:      aws.String(spec.RootDeviceName),
		VirtualizationType:  aws.String(spec.VirtualizationType),
		BlockDeviceMappings: mappings,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeImage,
				Tags: []ec2types.Tag{
					{Key: aws.String(TagProject), Value: aws.String(spec.Project)},
					{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByValue)},
				},
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to register image")
	}

	imageID := aws.ToString(out.ImageId)
	slog.Info("cloud_image_registered", "project", spec.Project, "image_id", imageID, "name", spec.Name)
	return imageID, nil
}

// FindImageByName returns the image with the given name, or nil
func (c *Client) FindImageByName(ctx context.Context, name string) (*Image, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{name}},
		},
		Owners: []string{"self"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find image by name")
	}
	if len(out.Images) == 0 {
		return nil, nil
	}
	return imageFromEC2(out.Images[0]), nil
}

// DescribeImage returns image details, or nil when absent
func (c *Client) DescribeImage(ctx context.Context, imageID string) (*Image, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to describe image")
	}
	if len(out.Images) == 0 {
		return nil, nil
	}
	return imageFromEC2(out.Images[0]), nil
}

// DeregisterImage deregisters an image; absent images are success
func (c *Client) DeregisterImage(ctx context.Context, imageID string) error {
	_, err := c.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{
		ImageId: aws.String(imageID),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "failed to deregister image")
	}
	slog.Info("cloud_image_deregistered", "image_id", imageID)
	return nil
}

// DeleteSnapshot deletes a snapshot; absent snapshots are success
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := c.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(snapshotID),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "failed to delete snapshot")
	}
	slog.Info("cloud_snapshot_deleted", "snapshot_id", snapshotID)
	return nil
}

// DeleteVolume deletes a volume; absent volumes are success
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := c.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "failed to delete volume")
	}
	slog.Info("cloud_volume_deleted", "volume_id", volumeID)
	return nil
}

// VolumeState returns the volume's availability state, or empty when absent
func (c *Client) VolumeState(ctx context.Context, volumeID string) (string, error) {
	out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to describe volume")
	}
	if len(out.Volumes) == 0 {
		return "", nil
	}
	return string(out.Volumes[0].State), nil
}

func imageFromEC2(img ec2types.Image) *Image {
	result := &Image{
		ID:    aws.ToString(img.ImageId),
		Name:  aws.ToString(img.Name),
		State: string(img.State),
	}
	for _, tag := range img.Tags {
		switch aws.ToString(tag.Key) {
		case TagProject:
			result.Project = aws.ToString(tag.Value)
		case TagManagedBy:
			result.ManagedBy = aws.ToString(tag.Value)
		}
	}
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs != nil && bdm.Ebs.SnapshotId != nil {
			result.SnapshotIDs = append(result.SnapshotIDs, aws.ToString(bdm.Ebs.SnapshotId))
		}
	}
	return result
}

// isNotFound reports whether err is an EC2 NotFound-style error code,
// e.g. InvalidAMIID.NotFound or InvalidSnapshot.NotFound.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.HasSuffix(code, ".NotFound") || strings.HasSuffix(code, ".Unavailable") || strings.HasSuffix(code, ".Malformed")
}
