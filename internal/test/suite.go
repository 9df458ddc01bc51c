// Package test provides the integration-test harness shared by the storage package's
// tests: Azure resource-group / storage-account provisioning and Jaeger tracing setup.
package test

//	MIT License
//
//	Copyright (c) Microsoft Corporation. All rights reserved.
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE

import (
	"context"
	"flag"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	rm "github.com/Azure/azure-sdk-for-go/services/resources/mgmt/2017-05-10/resources"
	storagemgmt "github.com/Azure/azure-sdk-for-go/services/storage/mgmt/2019-06-01/storage"
	"github.com/Azure/go-autorest/autorest/azure"
	azauth "github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
)

var (
	letterRunes = []rune("abcdefghijklmnopqrstuvwxyz123456789")
	debug       = flag.Bool("debug", false, "output debug level logging")
)

const (
	defaultTimeout = 1 * time.Minute

	// Location is the Azure geographic location the test suite will use for provisioning.
	Location = "eastus"

	// ResourceGroupName is the name of the resource group the test suite will use.
	ResourceGroupName = "ephtest"
)

// BaseSuite provisions (and tears down) a storage account to back the storage
// package's LeaseStore/CheckpointStore integration tests.
type BaseSuite struct {
	suite.Suite
	SubscriptionID     string
	StorageAccountName string
	Env                azure.Environment
	TagID              string
	closer             io.Closer
}

func init() {
	rand.Seed(time.Now().Unix())
}

// SetupSuite provisions the resource group and storage account from the environment.
func (s *BaseSuite) SetupSuite() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	s.SubscriptionID = mustGetEnv("AZURE_SUBSCRIPTION_ID")
	s.TagID = RandomString("tag", 5)
	s.StorageAccountName = RandomString("ephtest", 8)

	envName := os.Getenv("AZURE_ENVIRONMENT")
	if envName == "" {
		s.Env = azure.PublicCloud
	} else {
		env, err := azure.EnvironmentFromName(envName)
		if !s.NoError(err) {
			s.FailNow("could not find env name")
		}
		s.Env = env
	}

	if !s.NoError(s.ensureProvisioned()) {
		s.FailNow("failed provisioning")
	}

	if !s.NoError(s.setupTracing()) {
		s.FailNow("failed to setup tracing")
	}
}

// TearDownSuite closes the tracer. It does not delete the storage account: leaving
// provisioning teardown to the operator's subscription cleanup, the way the teacher's
// own TearDownSuite left Event Hub namespace teardown as a manual step.
func (s *BaseSuite) TearDownSuite() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func (s *BaseSuite) ensureProvisioned() error {
	if _, err := ensureResourceGroup(context.Background(), s.SubscriptionID, ResourceGroupName, Location, s.Env); err != nil {
		return err
	}
	return s.ensureStorageAccount()
}

func (s *BaseSuite) ensureStorageAccount() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout*2)
	defer cancel()

	client := s.getStorageMgmtClient()
	_, err := client.GetProperties(ctx, ResourceGroupName, s.StorageAccountName, "")
	if err == nil {
		return nil
	}

	future, err := client.Create(ctx, ResourceGroupName, s.StorageAccountName, storagemgmt.AccountCreateParameters{
		Sku: &storagemgmt.Sku{
			Name: storagemgmt.StandardLRS,
		},
		Kind:     storagemgmt.StorageV2,
		Location: to.StringPtr(Location),
	})
	if err != nil {
		return err
	}
	return future.WaitForCompletionRef(ctx, client.Client)
}

func ensureResourceGroup(ctx context.Context, subscriptionID, name, location string, env azure.Environment) (*rm.Group, error) {
	groupClient := getRmGroupClientWithToken(subscriptionID, env)
	group, err := groupClient.Get(ctx, name)
	if group.Response.Response == nil {
		return nil, err
	}

	if group.StatusCode == http.StatusNotFound {
		group, err = groupClient.CreateOrUpdate(ctx, name, rm.Group{Location: to.StringPtr(location)})
		if err != nil {
			return nil, err
		}
	} else if group.StatusCode >= 400 {
		return nil, err
	}

	return &group, nil
}

func (s *BaseSuite) getStorageMgmtClient() *storagemgmt.AccountsClient {
	client := storagemgmt.NewAccountsClientWithBaseURI(s.Env.ResourceManagerEndpoint, s.SubscriptionID)
	a, err := azauth.NewAuthorizerFromEnvironment()
	if err != nil {
		log.Fatal(err)
	}
	client.Authorizer = a
	return &client
}

func getRmGroupClientWithToken(subscriptionID string, env azure.Environment) *rm.GroupsClient {
	groupsClient := rm.NewGroupsClientWithBaseURI(env.ResourceManagerEndpoint, subscriptionID)
	a, err := azauth.NewAuthorizerFromEnvironment()
	if err != nil {
		log.Fatal(err)
	}
	groupsClient.Authorizer = a
	return &groupsClient
}

func (s *BaseSuite) setupTracing() error {
	if os.Getenv("TRACING") != "true" {
		return nil
	}

	cfg := config.Configuration{
		Sampler: &config.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &config.ReporterConfig{
			LocalAgentHostPort: "0.0.0.0:6831",
		},
	}

	jLogger := jaegerlog.StdLogger
	closer, err := cfg.InitGlobalTracer("ephtests", config.Logger(jLogger))
	if !s.NoError(err) {
		s.FailNow("failed to initialize the global trace logger")
	}
	s.closer = closer
	return err
}

func mustGetEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("Env variable '" + key + "' required for integration tests.")
	}
	return v
}

// RandomName generates a random name tagged with the suite id.
func (s *BaseSuite) RandomName(prefix string, length int) string {
	return RandomString(prefix, length) + s.TagID
}

// RandomString generates a prefixed, lowercase-alphanumeric random string of length.
func RandomString(prefix string, length int) string {
	b := make([]rune, length)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return prefix + string(b)
}
