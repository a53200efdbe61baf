// Package cognitoidp implements the ProviderAdmin interface against the
// real Cognito user pools API.
package cognitoidp

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/wp-digital/inncognito"
)

// Client calls the user pool operations that authenticate with a user's
// access token. No AWS credentials are involved; the token is the
// authorization.
type Client struct {
	api *cip.Client
}

// New returns a Client for the pool's region.
func New(region string) *Client {
	return &Client{
		api: cip.New(cip.Options{
			Region:      region,
			Credentials: aws.AnonymousCredentials{},
		}),
	}
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (inncognito.ProviderUser, error) {
	out, err := c.api.GetUser(ctx, &cip.GetUserInput{
		AccessToken: aws.String(accessToken),
	})
	if err != nil {
		return inncognito.ProviderUser{}, fmt.Errorf("%w: %v", inncognito.ErrUpstream, err)
	}
	user := inncognito.ProviderUser{
		Attributes: map[string]string{},
	}
	if out.Username != nil {
		user.Username = *out.Username
	}
	for _, attr := range out.UserAttributes {
		if attr.Name == nil || attr.Value == nil {
			continue
		}
		user.Attributes[*attr.Name] = *attr.Value
	}
	for _, setting := range out.UserMFASettingList {
		user.MFAMethods = append(user.MFAMethods, setting)
	}
	return user, nil
}

func (c *Client) AssociateSoftwareToken(ctx context.Context, accessToken string) (string, error) {
	out, err := c.api.AssociateSoftwareToken(ctx, &cip.AssociateSoftwareTokenInput{
		AccessToken: aws.String(accessToken),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", inncognito.ErrUpstream, err)
	}
	if out.SecretCode == nil {
		return "", fmt.Errorf("%w: no secret returned", inncognito.ErrUpstream)
	}
	return *out.SecretCode, nil
}

func (c *Client) VerifySoftwareToken(ctx context.Context, accessToken, code, deviceName string) error {
	input := &cip.VerifySoftwareTokenInput{
		AccessToken: aws.String(accessToken),
		UserCode:    aws.String(code),
	}
	if deviceName != "" {
		input.FriendlyDeviceName = aws.String(deviceName)
	}
	out, err := c.api.VerifySoftwareToken(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %v", inncognito.ErrUpstream, err)
	}
	if out.Status != types.VerifySoftwareTokenResponseTypeSuccess {
		return fmt.Errorf("%w: verification returned %s", inncognito.ErrUpstream, out.Status)
	}
	return nil
}
