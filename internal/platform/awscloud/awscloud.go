// Package awscloud trains on self-provisioned EC2 GPU instances. A training
// run is one instance booted with a user-data script that runs the trainer
// and pushes its output to the shared object storage bucket; the instance id
// is the remote job id.
package awscloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/smithy-go"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/platform"
)

// Name is the platform name this connector registers under.
const Name = "awscloud"

// defaultPricingTTL is how long a fetched price stays fresh when no TTL is
// configured. Cloud prices move slowly; a daily refresh is plenty.
const defaultPricingTTL = 24 * time.Hour

const consolePollInterval = 10 * time.Second

// ec2API is the EC2 surface the connector uses, narrowed for tests.
type ec2API interface {
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	GetConsoleOutput(ctx context.Context, in *ec2.GetConsoleOutputInput, opts ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// pricingAPI is the Pricing surface the connector uses.
type pricingAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, opts ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Config holds the non-secret connector settings.
type Config struct {
	Region          string
	AMI             string
	InstanceProfile string
	// PricingTTL is how long a fetched price stays fresh before GetPricing
	// asks AWS again. Defaults to 24h.
	PricingTTL time.Duration
	// PollInterval overrides the console output poll cadence. Tests only.
	PollInterval time.Duration
}

// Connector implements platform.Connector on EC2 plus the artifact mirror.
type Connector struct {
	cfg    Config
	mirror *artifacts.Mirror

	mu      sync.Mutex
	ec2     ec2API
	pricing pricingAPI

	cacheMu sync.Mutex
	prices  map[string]platform.PricingInfo
}

// New creates an AWS connector. The mirror is where training instances drop
// their output; it may be nil only in tests that never fetch artifacts.
func New(cfg Config, mirror *artifacts.Mirror) *Connector {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PricingTTL <= 0 {
		cfg.PricingTTL = defaultPricingTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = consolePollInterval
	}
	return &Connector{
		cfg:    cfg,
		mirror: mirror,
		prices: map[string]platform.PricingInfo{},
	}
}

// newWithClients wires fake clients for tests.
func newWithClients(cfg Config, mirror *artifacts.Mirror, e ec2API, p pricingAPI) *Connector {
	c := New(cfg, mirror)
	c.ec2 = e
	c.pricing = p
	return c
}

func (c *Connector) Name() string { return Name }

// Connect builds SDK clients from the supplied access keys and proves them
// with a cheap read-only call.
func (c *Connector) Connect(ctx context.Context, creds platform.Credentials) error {
	if creds.APIKey == "" || creds.SecretKey == "" {
		return platform.Errorf(platform.KindAuth, Name, "connect", "access key id and secret access key are required")
	}

	region := c.cfg.Region
	if r := creds.Extra["region"]; r != "" {
		region = r
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.APIKey, creds.SecretKey, "")),
	)
	if err != nil {
		return platform.Wrap(platform.KindInternal, Name, "connect", err)
	}

	ec2Client := ec2.NewFromConfig(awsCfg)
	if _, err := ec2Client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return classify("connect", err)
	}

	c.mu.Lock()
	c.ec2 = ec2Client
	c.pricing = pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
		// The pricing API lives in us-east-1 regardless of workload region.
		o.Region = "us-east-1"
	})
	c.mu.Unlock()
	return nil
}

func (c *Connector) clients() (ec2API, pricingAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ec2 == nil {
		return nil, nil, platform.Errorf(platform.KindAuth, Name, "clients", "not connected")
	}
	return c.ec2, c.pricing, nil
}

// classify maps SDK errors onto the taxonomy using the API error code.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "AuthFailure" || code == "UnauthorizedOperation" ||
			code == "InvalidClientTokenId" || code == "SignatureDoesNotMatch":
			return platform.Errorf(platform.KindAuth, Name, op, "credentials rejected (%s)", code)
		case strings.HasPrefix(code, "InvalidInstanceID"):
			return platform.Errorf(platform.KindNotFound, Name, op, "instance not found (%s)", code)
		case code == "InsufficientInstanceCapacity" || code == "InstanceLimitExceeded" ||
			code == "MaxSpotInstanceCountExceeded" || code == "RequestLimitExceeded":
			return platform.Errorf(platform.KindQuota, Name, op, "capacity unavailable (%s)", code)
		case strings.HasPrefix(code, "InvalidParameter") || strings.HasPrefix(code, "InvalidAMIID"):
			return platform.Errorf(platform.KindValidation, Name, op, "%s: %s", code, apiErr.ErrorMessage())
		}
	}
	return platform.Wrap(platform.KindUnreachable, Name, op, err)
}

// SubmitJob boots one training instance.
func (c *Connector) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (string, error) {
	ec2Client, _, err := c.clients()
	if err != nil {
		return "", err
	}
	if cfg.ResourceID == "" {
		return "", platform.Errorf(platform.KindValidation, Name, "submit_job",
			"resource_id must name an EC2 instance type")
	}
	if c.cfg.AMI == "" {
		return "", platform.Errorf(platform.KindValidation, Name, "submit_job",
			"no training AMI configured")
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.cfg.AMI),
		InstanceType: ec2types.InstanceType(cfg.ResourceID),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userDataScript(cfg)))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String("tuneplane-" + cfg.BaseModel)},
				{Key: aws.String("ManagedBy"), Value: aws.String("tuneplane")},
			},
		}},
	}
	if c.cfg.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(c.cfg.InstanceProfile),
		}
	}

	out, err := ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", classify("submit_job", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", platform.Errorf(platform.KindInternal, Name, "submit_job", "no instance returned")
	}
	return *out.Instances[0].InstanceId, nil
}

// userDataScript is what the instance runs on boot: train, push the output
// and its hash to the bucket, shut down.
func userDataScript(cfg platform.TrainingConfig) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	fmt.Fprintf(&b, "export TUNE_BASE_MODEL=%q\n", cfg.BaseModel)
	fmt.Fprintf(&b, "export TUNE_ALGORITHM=%q\n", cfg.Algorithm)
	fmt.Fprintf(&b, "export TUNE_DATASET=%q\n", cfg.Dataset)
	if cfg.Quantization != "" {
		fmt.Fprintf(&b, "export TUNE_QUANTIZATION=%q\n", cfg.Quantization)
	}
	for k, v := range cfg.Hyperparameters {
		fmt.Fprintf(&b, "export TUNE_HP_%s=%g\n", k, v)
	}
	b.WriteString("tuneplane-train 2>&1 | tee /var/log/training.log\n")
	b.WriteString("tuneplane-push-artifact /output/adapter.safetensors\n")
	b.WriteString("shutdown -h now\n")
	return b.String()
}

// StreamLogs polls the instance console output, emitting lines past the
// previously seen offset. The stream finishes when the instance leaves the
// running state.
func (c *Connector) StreamLogs(ctx context.Context, remoteID string) (platform.LogStream, error) {
	ec2Client, _, err := c.clients()
	if err != nil {
		return nil, err
	}
	if _, err := c.instanceState(ctx, ec2Client, remoteID); err != nil {
		return nil, err
	}

	s := platform.NewStream(64)
	go func() {
		var offset int
		for {
			out, err := ec2Client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{
				InstanceId: aws.String(remoteID),
				Latest:     aws.Bool(true),
			})
			if err != nil {
				s.Finish(classify("stream_logs", err))
				return
			}
			if out.Output != nil {
				decoded, err := base64.StdEncoding.DecodeString(*out.Output)
				if err == nil && len(decoded) > offset {
					for _, line := range strings.Split(strings.TrimRight(string(decoded[offset:]), "\n"), "\n") {
						if !s.Send(platform.LogLine{Text: line, Time: time.Now()}) {
							return
						}
					}
					offset = len(decoded)
				}
			}

			state, err := c.instanceState(ctx, ec2Client, remoteID)
			if err != nil {
				s.Finish(err)
				return
			}
			if state != ec2types.InstanceStateNameRunning && state != ec2types.InstanceStateNamePending {
				s.Finish(nil)
				return
			}

			select {
			case <-ctx.Done():
				s.Finish(ctx.Err())
				return
			case <-s.Closed():
				return
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}()
	return s, nil
}

func (c *Connector) instanceState(ctx context.Context, ec2Client ec2API, remoteID string) (ec2types.InstanceStateName, error) {
	out, err := ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{remoteID},
	})
	if err != nil {
		return "", classify("describe_instance", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.State != nil {
				return inst.State.Name, nil
			}
		}
	}
	return "", platform.Errorf(platform.KindNotFound, Name, "describe_instance", "instance %s not found", remoteID)
}

// FetchArtifact pulls the trained output the instance pushed to the bucket.
func (c *Connector) FetchArtifact(ctx context.Context, remoteID string) (platform.ArtifactPayload, error) {
	ec2Client, _, err := c.clients()
	if err != nil {
		return platform.ArtifactPayload{}, err
	}
	if c.mirror == nil {
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindValidation, Name, "fetch_artifact",
			"no object storage configured for artifact exchange")
	}

	key := "jobs/" + remoteID + "/adapter.safetensors"
	rc, err := c.mirror.Get(ctx, key)
	if err == nil {
		var data []byte
		data, err = io.ReadAll(rc)
		rc.Close()
		if err == nil {
			_, sha, statErr := c.mirror.Stat(ctx, key)
			if statErr != nil {
				sha = ""
			}
			return platform.ArtifactPayload{
				Data:     data,
				SHA256:   sha,
				Metadata: map[string]string{"instance_id": remoteID, "bucket_key": key},
			}, nil
		}
	}

	// Missing object: not ready while the instance still runs, gone after.
	state, stateErr := c.instanceState(ctx, ec2Client, remoteID)
	if stateErr == nil && (state == ec2types.InstanceStateNameRunning || state == ec2types.InstanceStateNamePending) {
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindNotReady, Name, "fetch_artifact",
			"training instance still running")
	}
	return platform.ArtifactPayload{}, platform.Wrap(platform.KindNotFound, Name, "fetch_artifact", err)
}

// UploadArtifact pushes a local artifact into the shared bucket.
func (c *Connector) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	if c.mirror == nil {
		return "", platform.Errorf(platform.KindValidation, Name, "upload_artifact",
			"no object storage configured for artifact exchange")
	}
	sha := metadata["sha256"]
	if sha == "" {
		return "", platform.Errorf(platform.KindValidation, Name, "upload_artifact", "sha256 metadata is required")
	}
	if err := c.mirror.PutFile(ctx, sha, path); err != nil {
		return "", platform.Wrap(platform.KindUnreachable, Name, "upload_artifact", err)
	}
	return sha, nil
}

// gpuCatalog is the set of supported GPU instance types. Memory is GPU
// memory per instance.
var gpuCatalog = []platform.Resource{
	{ID: "g4dn.xlarge", Name: "T4 16GB", GPUType: "T4", GPUCount: 1, MemoryGB: 16},
	{ID: "g5.xlarge", Name: "A10G 24GB", GPUType: "A10G", GPUCount: 1, MemoryGB: 24},
	{ID: "p3.2xlarge", Name: "V100 16GB", GPUType: "V100", GPUCount: 1, MemoryGB: 16},
	{ID: "p3.8xlarge", Name: "4x V100", GPUType: "V100", GPUCount: 4, MemoryGB: 64},
	{ID: "p4d.24xlarge", Name: "8x A100", GPUType: "A100", GPUCount: 8, MemoryGB: 320},
}

// ListResources returns the GPU instance types the connector can provision.
func (c *Connector) ListResources(ctx context.Context) ([]platform.Resource, error) {
	if _, _, err := c.clients(); err != nil {
		return nil, err
	}
	out := make([]platform.Resource, len(gpuCatalog))
	for i, r := range gpuCatalog {
		r.Region = c.cfg.Region
		r.Spot = true
		out[i] = r
	}
	return out, nil
}

// GetPricing combines on-demand pricing from the Pricing API with the latest
// spot price, cached for the configured TTL.
func (c *Connector) GetPricing(ctx context.Context, resourceID string) (platform.PricingInfo, error) {
	c.cacheMu.Lock()
	if cached, ok := c.prices[resourceID]; ok && time.Since(cached.FetchedAt) < c.cfg.PricingTTL {
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	ec2Client, pricingClient, err := c.clients()
	if err != nil {
		return platform.PricingInfo{}, err
	}

	onDemand, err := c.onDemandPrice(ctx, pricingClient, resourceID)
	if err != nil {
		return platform.PricingInfo{}, err
	}
	spot, err := c.spotPrice(ctx, ec2Client, resourceID)
	if err != nil {
		// Spot history is best effort; on-demand alone is still an answer.
		spot = 0
	}

	info := platform.PricingInfo{
		ResourceID:   resourceID,
		PricePerHour: onDemand,
		SpotPerHour:  spot,
		Currency:     "USD",
		FetchedAt:    time.Now(),
	}
	c.cacheMu.Lock()
	c.prices[resourceID] = info
	c.cacheMu.Unlock()
	return info, nil
}

func (c *Connector) onDemandPrice(ctx context.Context, client pricingAPI, instanceType string) (float64, error) {
	out, err := client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(c.cfg.Region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, classify("get_pricing", err)
	}
	if len(out.PriceList) == 0 {
		return 0, platform.Errorf(platform.KindNotFound, Name, "get_pricing",
			"no price listed for %s in %s", instanceType, c.cfg.Region)
	}
	price, err := parseOnDemandUSD(out.PriceList[0])
	if err != nil {
		return 0, platform.Wrap(platform.KindInternal, Name, "get_pricing", err)
	}
	return price, nil
}

func (c *Connector) spotPrice(ctx context.Context, client ec2API, instanceType string) (float64, error) {
	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(time.Now().Add(-time.Hour)),
		MaxResults:          aws.Int32(1),
	})
	if err != nil {
		return 0, classify("get_pricing", err)
	}
	if len(out.SpotPriceHistory) == 0 || out.SpotPriceHistory[0].SpotPrice == nil {
		return 0, nil
	}
	var price float64
	if _, err := fmt.Sscanf(*out.SpotPriceHistory[0].SpotPrice, "%f", &price); err != nil {
		return 0, err
	}
	return price, nil
}

// CancelJob terminates the training instance.
func (c *Connector) CancelJob(ctx context.Context, remoteID string) error {
	ec2Client, _, err := c.clients()
	if err != nil {
		return err
	}
	if _, err := ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{remoteID},
	}); err != nil {
		mapped := classify("cancel_job", err)
		if platform.IsKind(mapped, platform.KindNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}
