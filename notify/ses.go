package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/dhcgn/imap-to-zip/model"
)

// SendEmailAPI is the SES v2 operation the transport needs.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESTransport submits the rendered message through the SES v2 raw API. It
// makes a single attempt.
type SESTransport struct {
	client SendEmailAPI
}

func NewSESTransport(ctx context.Context, opts SESOptions) (*SESTransport, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("ses region is empty")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

func NewSESTransportWithClient(client SendEmailAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Send(ctx context.Context, env Envelope) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination:      &types.Destination{ToAddresses: env.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Raw},
		},
	}

	if _, err := t.client.SendEmail(ctx, input); err != nil {
		if isSESAuthFailure(err) {
			return fmt.Errorf("ses: %w: %v", model.ErrAuth, err)
		}
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}

func isSESAuthFailure(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"AccessDeniedException", "ExpiredTokenException":
		return true
	}
	return false
}
