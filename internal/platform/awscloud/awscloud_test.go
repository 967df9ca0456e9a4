package awscloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"

	"tuneplane/internal/platform"
)

type apiError struct {
	code string
}

func (e apiError) Error() string                 { return e.code }
func (e apiError) ErrorCode() string             { return e.code }
func (e apiError) ErrorMessage() string          { return e.code }
func (e apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type fakeEC2 struct {
	mu sync.Mutex

	runErr     error
	ranInput   *ec2.RunInstancesInput
	instanceID string

	state       ec2types.InstanceStateName
	console     string
	terminated  []string
	spotPrice   string
	describeErr error
}

func (f *fakeEC2) DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	return &ec2.DescribeRegionsOutput{}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.ranInput = in
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String(f.instanceID)}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId: aws.String(in.InstanceIds[0]),
				State:      &ec2types.InstanceState{Name: f.state},
			}},
		}},
	}, nil
}

func (f *fakeEC2) GetConsoleOutput(ctx context.Context, in *ec2.GetConsoleOutputInput, opts ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded := base64.StdEncoding.EncodeToString([]byte(f.console))
	return &ec2.GetConsoleOutputOutput{Output: aws.String(encoded)}, nil
}

func (f *fakeEC2) DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spotPrice == "" {
		return &ec2.DescribeSpotPriceHistoryOutput{}, nil
	}
	return &ec2.DescribeSpotPriceHistoryOutput{
		SpotPriceHistory: []ec2types.SpotPrice{{SpotPrice: aws.String(f.spotPrice)}},
	}, nil
}

type fakePricing struct {
	docs  []string
	calls int
	err   error
}

func (f *fakePricing) GetProducts(ctx context.Context, in *pricing.GetProductsInput, opts ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.GetProductsOutput{PriceList: f.docs}, nil
}

func priceDoc(usd string) string {
	return fmt.Sprintf(`{
		"terms": {"OnDemand": {"T1": {"priceDimensions": {"D1": {"pricePerUnit": {"USD": %q}}}}}}
	}`, usd)
}

func newTestConnector(e *fakeEC2, p *fakePricing) *Connector {
	return newWithClients(Config{
		Region:       "eu-west-1",
		AMI:          "ami-gpu-123",
		PollInterval: 2 * time.Millisecond,
	}, nil, e, p)
}

func TestSubmitJob(t *testing.T) {
	fake := &fakeEC2{instanceID: "i-0abc"}
	c := newTestConnector(fake, &fakePricing{})

	cfg := platform.TrainingConfig{
		BaseModel:  "llama-3-8b",
		Algorithm:  "qlora",
		Dataset:    "s3://data/train.jsonl",
		ResourceID: "g5.xlarge",
	}
	id, err := c.SubmitJob(context.Background(), cfg)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if id != "i-0abc" {
		t.Errorf("id = %s, want i-0abc", id)
	}
	if got := string(fake.ranInput.InstanceType); got != "g5.xlarge" {
		t.Errorf("instance type = %s, want g5.xlarge", got)
	}
	userData, _ := base64.StdEncoding.DecodeString(*fake.ranInput.UserData)
	if !strings.Contains(string(userData), "TUNE_BASE_MODEL") {
		t.Error("user data missing training env")
	}
}

func TestSubmitJob_CapacityErrorIsQuota(t *testing.T) {
	fake := &fakeEC2{runErr: apiError{code: "InsufficientInstanceCapacity"}}
	c := newTestConnector(fake, &fakePricing{})

	_, err := c.SubmitJob(context.Background(), platform.TrainingConfig{ResourceID: "p3.2xlarge"})
	if !platform.IsKind(err, platform.KindQuota) {
		t.Errorf("error = %v, want quota", err)
	}
}

func TestSubmitJob_RequiresConnect(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.SubmitJob(context.Background(), platform.TrainingConfig{ResourceID: "g5.xlarge"})
	if !platform.IsKind(err, platform.KindAuth) {
		t.Errorf("error = %v, want auth", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		want platform.Kind
	}{
		{"AuthFailure", platform.KindAuth},
		{"UnauthorizedOperation", platform.KindAuth},
		{"InvalidInstanceID.NotFound", platform.KindNotFound},
		{"RequestLimitExceeded", platform.KindQuota},
		{"InvalidParameterValue", platform.KindValidation},
		{"SomethingElse", platform.KindUnreachable},
	}
	for _, tc := range cases {
		if got := platform.KindOf(classify("op", apiError{code: tc.code})); got != tc.want {
			t.Errorf("classify(%s) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestStreamLogs_EndsWhenInstanceStops(t *testing.T) {
	fake := &fakeEC2{
		instanceID: "i-0abc",
		state:      ec2types.InstanceStateNameRunning,
		console:    "boot ok\nepoch=1 loss=0.7\n",
	}
	c := newTestConnector(fake, &fakePricing{})

	stream, err := c.StreamLogs(context.Background(), "i-0abc")
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		fake.mu.Lock()
		fake.state = ec2types.InstanceStateNameTerminated
		fake.mu.Unlock()
	}()

	var lines []string
	for line := range stream.Lines() {
		lines = append(lines, line.Text)
	}
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if len(lines) < 2 || lines[1] != "epoch=1 loss=0.7" {
		t.Errorf("lines = %v, want console output", lines)
	}
}

func TestGetPricing_CachesByTTL(t *testing.T) {
	fake := &fakeEC2{spotPrice: "0.35"}
	prices := &fakePricing{docs: []string{priceDoc("1.0060000000")}}
	c := newTestConnector(fake, prices)

	info, err := c.GetPricing(context.Background(), "g5.xlarge")
	if err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	if info.PricePerHour != 1.006 || info.SpotPerHour != 0.35 {
		t.Errorf("pricing = %+v, want 1.006/0.35", info)
	}

	if _, err := c.GetPricing(context.Background(), "g5.xlarge"); err != nil {
		t.Fatalf("cached GetPricing failed: %v", err)
	}
	if prices.calls != 1 {
		t.Errorf("pricing API called %d times, want 1 (cached)", prices.calls)
	}
}

func TestGetPricing_ConfiguredTTLExpires(t *testing.T) {
	fake := &fakeEC2{spotPrice: "0.35"}
	prices := &fakePricing{docs: []string{priceDoc("1.0060000000")}}
	c := newWithClients(Config{
		Region:       "eu-west-1",
		AMI:          "ami-gpu-123",
		PricingTTL:   10 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, nil, fake, prices)

	if _, err := c.GetPricing(context.Background(), "g5.xlarge"); err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.GetPricing(context.Background(), "g5.xlarge"); err != nil {
		t.Fatalf("GetPricing after expiry failed: %v", err)
	}
	if prices.calls != 2 {
		t.Errorf("pricing API called %d times, want 2 (stale cache refetched)", prices.calls)
	}
}

func TestNewDefaultsPricingTTL(t *testing.T) {
	c := New(Config{}, nil)
	if c.cfg.PricingTTL != 24*time.Hour {
		t.Errorf("default pricing TTL = %s, want 24h", c.cfg.PricingTTL)
	}
}

func TestCancelJob(t *testing.T) {
	fake := &fakeEC2{instanceID: "i-0abc"}
	c := newTestConnector(fake, &fakePricing{})

	if err := c.CancelJob(context.Background(), "i-0abc"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if len(fake.terminated) != 1 || fake.terminated[0] != "i-0abc" {
		t.Errorf("terminated = %v, want [i-0abc]", fake.terminated)
	}
}

func TestParseOnDemandUSD(t *testing.T) {
	price, err := parseOnDemandUSD(priceDoc("3.0600000000"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if price != 3.06 {
		t.Errorf("price = %f, want 3.06", price)
	}
	if _, err := parseOnDemandUSD(`{"terms":{}}`); err == nil {
		t.Error("expected error for empty terms")
	}
}
