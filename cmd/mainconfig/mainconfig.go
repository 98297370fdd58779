package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
)

// LoadAWSConfig builds the SDK config shared by the API, the worker and the
// sweep lambda. AWS_ENDPOINT_OVERRIDE points SQS, DynamoDB and SES at
// LocalStack.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if !overridable(service) {
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
				return aws.Endpoint{
					URL:           endpoint,
					PartitionID:   "aws",
					SigningRegion: cfg.AWSRegion,
				}, nil
			},
		)
	}

	return awsCfg, nil
}

func overridable(service string) bool {
	switch service {
	case sqs.ServiceID, dynamodb.ServiceID, sesv2.ServiceID:
		return true
	default:
		return false
	}
}
