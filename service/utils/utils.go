// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package utils contains utility functions for services
package utils

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/idtoken"
)

// GetAuthorizationToken gets GCP service auth token based env service account or impersonated service account through default credentials
func GetAuthorizationToken(ctx context.Context, audience, impersonatedSvcAccount string) (string, error) {
	// First we try the idtoken package, which only works for service accounts
	tokenSource, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		if !strings.Contains(err.Error(), `idtoken: credential must be service_account, found`) {
			return "", err
		}
		if impersonatedSvcAccount == "" {
			return "", fmt.Errorf("couldn't obtain auth token, no service account for impersonation set (flag 'impersonated_svc_account'): %v", err)
		}

		log.Info("no service account found, using application default credentials to impersonate service account")
		svc, err := iamcredentials.NewService(ctx)
		if err != nil {
			return "", err
		}
		resp, err := svc.Projects.ServiceAccounts.GenerateIdToken("projects/-/serviceAccounts/"+impersonatedSvcAccount, &iamcredentials.GenerateIdTokenRequest{
			Audience: audience,
		}).Do()
		if err != nil {
			return "", err
		}
		return resp.Token, nil
	}
	t, err := tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("TokenSource.Token: %v", err)
	}
	return t.AccessToken, nil
}

// TokenSource returns a function that gets authorization tokens with the given service account
// for impersonation, in the shape expected by the report sender.
func TokenSource(impersonatedSvcAccount string) func(ctx context.Context, audience string) (string, error) {
	return func(ctx context.Context, audience string) (string, error) {
		return GetAuthorizationToken(ctx, audience, impersonatedSvcAccount)
	}
}

// NewSubscription connects to a fully qualified Pub/Sub subscription.
func NewSubscription(ctx context.Context, name string) (*pubsub.Client, *pubsub.Subscription, error) {
	project, subscription, err := utils.ParsePubSubResourceName(name)
	if err != nil {
		return nil, nil, err
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Subscription(subscription), nil
}

// NewTopicClient connects to the project of a fully qualified Pub/Sub topic, and returns the
// client together with the relative topic name.
func NewTopicClient(ctx context.Context, name string) (*pubsub.Client, string, error) {
	project, topic, err := utils.ParsePubSubResourceName(name)
	if err != nil {
		return nil, "", err
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, "", err
	}
	return client, topic, nil
}
